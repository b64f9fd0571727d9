package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/AlexKimmel/quotagate/internal/ratelimit"
)

type limiterView struct {
	Capacity       int64  `json:"capacity"`
	RefillDuration string `json:"refillDuration"`
	Implementation string `json:"implementation"`
	Buckets        int    `json:"buckets"`
	Primary        bool   `json:"primary,omitempty"`
}

// LimiterConfig lists every named limiter with its quota and the number
// of keys it currently tracks.
func LimiterConfig(reg *ratelimit.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		primary := reg.Primary().Name()
		out := make(map[string]limiterView)
		for _, name := range reg.Names() {
			l, _ := reg.Get(name)
			cfg := l.Config()
			out[name] = limiterView{
				Capacity:       cfg.Capacity,
				RefillDuration: cfg.RefillDuration.String(),
				Implementation: "token-bucket",
				Buckets:        l.Buckets(),
				Primary:        name == primary,
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
}
