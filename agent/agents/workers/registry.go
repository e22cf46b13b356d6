package workers

import (
	"context"

	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
)

type registryImpl struct {
	router  *Router
	workers map[contractx.WorkerID]contractx.Worker
}

var _ contractx.Registry = (*registryImpl)(nil)

func (r *registryImpl) Router() contractx.Router {
	return r.router
}

func (r *registryImpl) Worker(id contractx.WorkerID) (contractx.Worker, bool) {
	w, ok := r.workers[id]
	return w, ok
}

// NewRegistry builds all six workers over one dispatcher.
func NewRegistry(ctx context.Context, deps Deps) (contractx.Registry, error) {
	router, err := NewRouter(ctx, deps)
	if err != nil {
		return nil, err
	}
	orderWorker, err := NewOrder(ctx, deps)
	if err != nil {
		return nil, err
	}
	inventoryWorker, err := NewInventory(ctx, deps)
	if err != nil {
		return nil, err
	}
	kitchenWorker, err := NewKitchen(ctx, deps)
	if err != nil {
		return nil, err
	}
	deliveryWorker, err := NewDelivery(ctx, deps)
	if err != nil {
		return nil, err
	}
	supportWorker, err := NewSupport(ctx, deps)
	if err != nil {
		return nil, err
	}

	return &registryImpl{
		router: router,
		workers: map[contractx.WorkerID]contractx.Worker{
			contractx.WorkerRouter:    router,
			contractx.WorkerOrder:     orderWorker,
			contractx.WorkerInventory: inventoryWorker,
			contractx.WorkerKitchen:   kitchenWorker,
			contractx.WorkerDelivery:  deliveryWorker,
			contractx.WorkerSupport:   supportWorker,
		},
	}, nil
}
