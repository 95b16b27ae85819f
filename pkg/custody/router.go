package custody

import (
	"github.com/go-chi/chi/v5"

	"github.com/beantrace/custody/pkg/keyvault"
)

// NewRouter creates a chi router with the custody API routes. Every route is
// behind the identity middleware; writes go through the coordinator, reads
// straight to the mirror store.
func NewRouter(c *Coordinator, store *Store, audit *AuditStore, vault *keyvault.Vault) chi.Router {
	r := chi.NewRouter()
	r.Use(IdentityMiddleware)

	r.Route("/batches", func(r chi.Router) {
		r.Post("/", CreateBatchHandler(c))
		r.Route("/{offchainId}", func(r chi.Router) {
			r.Get("/", GetBatchHandler(store))
			r.Post("/stages", AddStageHandler(c))
			r.Post("/transfer", TransferCustodyHandler(c))
			r.Post("/finalize", FinalizeBatchHandler(c))
			r.Get("/audit", GetBatchAuditHandler(audit))
		})
	})

	r.Post("/accounts", CreateAccountHandler(vault))

	return r
}
