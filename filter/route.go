package filter

import (
	"fmt"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/types"
)

type route struct {
	queue   string
	filter  string
	program *vm.Program
}

// Router picks the queue an outbox event is published to. Routes are tried in order, the first route whose filter
// evaluates to true wins; events matching no route go to the default queue.
type Router struct {
	routes       []route
	defaultQueue string
}

// Compile compiles a filter expression against Env. The expression must evaluate to a bool.
func Compile(filter string) (*vm.Program, error) {
	return expr.Compile(filter, expr.Env(Env{}), expr.AsBool())
}

func NewRouter(defaultQueue string, routes []config.RouteConfig) (*Router, error) {
	r := &Router{defaultQueue: defaultQueue, routes: make([]route, 0, len(routes))}
	for _, rc := range routes {
		if rc.Queue == "" {
			return nil, fmt.Errorf("route with filter %q has no queue", rc.Filter)
		}
		prog, err := Compile(rc.Filter)
		if err != nil {
			return nil, fmt.Errorf("could not compile filter %q: %w", rc.Filter, err)
		}
		r.routes = append(r.routes, route{queue: rc.Queue, filter: rc.Filter, program: prog})
	}
	return r, nil
}

// Match runs a compiled filter. Evaluation errors count as no match.
func Match(prog *vm.Program, env Env) bool {
	res, err := expr.Run(prog, env)
	if err != nil {
		globals.AppLogger.Error("could not run filter", "error", err)
		return false
	}
	ok, _ := res.(bool)
	return ok
}

func (r *Router) Queue(event *types.OutboxEvent) string {
	if len(r.routes) == 0 {
		return r.defaultQueue
	}
	env := NewEnv(event)
	for _, rt := range r.routes {
		if Match(rt.program, env) {
			return rt.queue
		}
	}
	return r.defaultQueue
}
