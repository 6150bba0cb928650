// Package metrics exposes the Prometheus counters and histograms the
// security-critical engines update: tokens minted, codes consumed/reused,
// key rotations, SCIM mutations, and introspection calls.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TokensMinted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authrim",
		Name:      "tokens_minted_total",
		Help:      "Number of tokens minted, partitioned by token type.",
	}, []string{"type"})

	CodesConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authrim",
		Name:      "auth_codes_consumed_total",
		Help:      "Number of authorization code consumption attempts.",
	}, []string{"outcome"})

	KeyRotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authrim",
		Name:      "signing_key_rotations_total",
		Help:      "Number of signing-key rotations.",
	}, []string{"kind"})

	SCIMMutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authrim",
		Name:      "scim_mutations_total",
		Help:      "Number of SCIM resource mutations.",
	}, []string{"resource", "op"})

	IntrospectionCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authrim",
		Name:      "introspection_calls_total",
		Help:      "Number of introspection calls, partitioned by active/inactive result.",
	}, []string{"active"})

	RefreshFamilyKills = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "authrim",
		Name:      "refresh_family_kills_total",
		Help:      "Number of refresh-token families invalidated due to reuse detection.",
	})
)

// Registry returns a prometheus.Registerer with all Authrim collectors
// registered, ready to be exposed via promhttp.Handler.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(TokensMinted, CodesConsumed, KeyRotations, SCIMMutations, IntrospectionCalls, RefreshFamilyKills)
	return r
}
