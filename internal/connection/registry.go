// Package connection builds and indexes the configured source connections.
package connection

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/config"
	"github.com/RevCBH/switchyard/internal/github"
	"github.com/RevCBH/switchyard/internal/model"
)

// Registry holds driver instances by connection name.
type Registry struct {
	order []string
	conns map[string]*github.Connection
}

// FromConfig instantiates every configured connection.
func FromConfig(cfgs []config.ConnectionConfig, log *zap.SugaredLogger) (*Registry, error) {
	r := &Registry{conns: make(map[string]*github.Connection)}
	for _, cc := range cfgs {
		if cc.Driver != "github" {
			return nil, fmt.Errorf("connection %s: unsupported driver %q", cc.Name, cc.Driver)
		}
		conn := github.NewConnection(cc.Name, cc.Hostname, cc.APIBaseURL, cc.Token, cc.WebhookSecret, log)
		r.order = append(r.order, cc.Name)
		r.conns[cc.Name] = conn
	}
	return r, nil
}

// Get returns the named connection, or nil.
func (r *Registry) Get(name string) *github.Connection {
	return r.conns[name]
}

// Source returns the named connection as a model.Source, or nil.
func (r *Registry) Source(name string) model.Source {
	if conn, ok := r.conns[name]; ok {
		return conn
	}
	return nil
}

// Names returns connection names in configuration order.
func (r *Registry) Names() []string {
	return r.order
}

// OnEvent registers the trigger-event callback on every connection.
func (r *Registry) OnEvent(fn func(*model.TriggerEvent)) {
	for _, conn := range r.conns {
		conn.OnEvent(fn)
	}
}

// MountWebhooks registers each connection's webhook ingress on the mux
// under /connection/<name>/payload.
func (r *Registry) MountWebhooks(mux *http.ServeMux) {
	for _, name := range r.order {
		mux.Handle("/connection/"+name+"/payload", r.conns[name].WebhookHandler())
	}
}
