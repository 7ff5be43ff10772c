// Package dashboard serves the operator dashboard, a single-page web app
// built separately and deployed next to the controller.
//
// The API server mounts it at "/" when api.dashboard_dir is set. The
// dashboard itself talks to the controller over the real-time channel and
// the read-only /api/v1 routes.
package dashboard
