package journal

import (
	"net/http"

	"github.com/tollgatepay/server/internal/logger"
	"github.com/tollgatepay/server/internal/metrics"
	"github.com/tollgatepay/server/pkg/paygate"
)

// Middleware records the receipt attached by the gate, when present.
// It sits inside the gate's protected chain; journal failures are
// logged and never revoke an admitted request.
func Middleware(j Journal, m *metrics.Metrics, backend string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if receipt, ok := paygate.ReceiptFromContext(r.Context()); ok {
				err := j.Record(r.Context(), receipt)
				if m != nil {
					m.ObserveJournalWrite(backend, err)
				}
				if err != nil {
					log := logger.FromContext(r.Context())
					log.Error().
						Err(err).
						Str("tx_hash", logger.Truncate(receipt.TxHash)).
						Msg("journal.record_failed")
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
