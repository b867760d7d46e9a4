package protocol

import (
	"context"
	"time"
)

// ServerInfo feeds the rpc.getServerInfo builtin.
type ServerInfo struct {
	Name         string
	Version      string
	Capabilities []string
	StartedAt    time.Time
}

// RegisterBuiltins installs the rpc.* introspection methods every
// deployment carries regardless of which domain methods the host wires.
func RegisterBuiltins(reg *Registry, d *Dispatcher, info ServerInfo) {
	reg.MustRegister(Method{
		Name: "rpc.ping",
		Handler: func(ctx context.Context, call *Call) (any, error) {
			return "pong", nil
		},
	})

	reg.MustRegister(Method{
		Name: "rpc.echo",
		Handler: func(ctx context.Context, call *Call) (any, error) {
			var params map[string]any
			if err := call.Bind(&params); err != nil {
				return nil, err
			}
			if params == nil {
				params = map[string]any{}
			}
			return params, nil
		},
	})

	reg.MustRegister(Method{
		Name: "rpc.listMethods",
		Handler: func(ctx context.Context, call *Call) (any, error) {
			return reg.Names(), nil
		},
	})

	reg.MustRegister(Method{
		Name: "rpc.getMethodInfo",
		Handler: func(ctx context.Context, call *Call) (any, error) {
			var params struct {
				Method string `json:"method"`
			}
			if err := call.Bind(&params); err != nil {
				return nil, err
			}
			if params.Method == "" {
				return nil, InvalidParams("Missing required param: method")
			}
			m, ok := reg.Lookup(params.Method)
			if !ok {
				return nil, MethodNotFound(params.Method)
			}
			perms := m.Permissions
			if perms == nil {
				perms = []string{}
			}
			return MethodInfo{
				Name:         m.Name,
				AuthRequired: m.AuthRequired,
				Permissions:  perms,
			}, nil
		},
	})

	reg.MustRegister(Method{
		Name: "rpc.getServerInfo",
		Handler: func(ctx context.Context, call *Call) (any, error) {
			return map[string]any{
				"name":           info.Name,
				"version":        info.Version,
				"protocol":       Version,
				"capabilities":   info.Capabilities,
				"uptime_seconds": int64(time.Since(info.StartedAt).Seconds()),
			}, nil
		},
	})

	reg.MustRegister(Method{
		Name:         "rpc.getStats",
		AuthRequired: true,
		Handler: func(ctx context.Context, call *Call) (any, error) {
			return d.Stats(), nil
		},
	})
}
