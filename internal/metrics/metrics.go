// Package metrics はセッションストアと認証ハンドラーが共有する Prometheus コレクターを定義します。
// 循環 import を避けるため独立したパッケージにしています。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StoreOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "diagram_session_store_operations_total",
		Help: "Session store operations by backend, operation and result.",
	}, []string{"backend", "op", "result"})

	Callbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "diagram_auth_callbacks_total",
		Help: "OAuth callback outcomes by terminal state.",
	}, []string{"outcome"})

	SweptSessions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "diagram_session_swept_total",
		Help: "Expired sessions removed by the background sweep.",
	}, []string{"backend"})
)

// Register はコレクターを reg（nil ならデフォルト）に登録します。
// 登録済みのものは無視します。
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{StoreOperations, Callbacks, SweptSessions} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// Handler は g に登録されたコレクターを公開します。
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveStore はストア操作の結果を記録します。
func ObserveStore(backend, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	StoreOperations.WithLabelValues(backend, op, result).Inc()
}
