package square

import (
	"net/http"

	"github.com/orderflow/merchant-connect/internal/auth/state"
	"github.com/orderflow/merchant-connect/internal/logging"
	"go.uber.org/zap"
)

// HandleAuthorize initiates the connect flow: it issues a CSRF state
// token tagged with the requested flow and redirects to Square's consent
// page. An absent or unrecognized flow value means install.
func HandleAuthorize(states *state.Store, client *OAuthClient, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flow := r.URL.Query().Get("flow")

		token, err := states.Create(r.Context(), flow)
		if err != nil {
			logging.FromContext(r.Context(), log).Error("issue oauth state", zap.Error(err))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, client.AuthorizationURL(token), http.StatusFound)
	}
}
