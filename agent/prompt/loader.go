package prompt

import (
	_ "embed"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
)

var (
	//go:embed template/classifier.txt
	classifierRaw string

	//go:embed template/router.txt
	routerRaw string

	//go:embed template/order.txt
	orderRaw string

	//go:embed template/inventory.txt
	inventoryRaw string

	//go:embed template/kitchen.txt
	kitchenRaw string

	//go:embed template/delivery.txt
	deliveryRaw string

	//go:embed template/support.txt
	supportRaw string
)

// PromptSet holds loaded prompt content.
type PromptSet struct {
	Classifier string
	Workers    map[contractx.WorkerID]string
}

// LoadPromptSet returns a PromptSet with trimmed prompt strings.
func LoadPromptSet() PromptSet {
	return PromptSet{
		Classifier: strings.TrimSpace(classifierRaw),
		Workers: map[contractx.WorkerID]string{
			contractx.WorkerRouter:    strings.TrimSpace(routerRaw),
			contractx.WorkerOrder:     strings.TrimSpace(orderRaw),
			contractx.WorkerInventory: strings.TrimSpace(inventoryRaw),
			contractx.WorkerKitchen:   strings.TrimSpace(kitchenRaw),
			contractx.WorkerDelivery:  strings.TrimSpace(deliveryRaw),
			contractx.WorkerSupport:   strings.TrimSpace(supportRaw),
		},
	}
}

// For returns the system prompt of one worker.
func (p PromptSet) For(worker contractx.WorkerID) (string, error) {
	text := p.Workers[worker]
	if text == "" {
		return "", fmt.Errorf("%w: worker=%s", contractx.ErrPromptMissing, worker)
	}
	return text, nil
}
