// Package probes provides health probes and routes probe and existence
// checks to the backend that owns a resource.
//
// Resource IDs carry a scheme prefix ("k8s:", "ssh:", "gcs:"). A Router
// dispatches on that prefix and falls back to a default backend for IDs
// without one:
//
//	router := probes.NewRouter()
//	router.HandleChecker("k8s", kubernetes.NewChecker(k8s))
//	router.HandleProbe("k8s", kubernetes.NewReadinessProbe(k8s))
//	router.SetDefaultProbe(promProbe)
//
//	eng, err := engine.New(cfg, store, registry,
//	    engine.WithHealthProbe(router),
//	    engine.WithResourceChecker(router),
//	)
//
// PrometheusProbe reads a health score with a PromQL query rendered from a
// text/template, for example:
//
//	100 * avg(up{namespace="{{.Namespace}}", job="{{.Name}}"})
package probes
