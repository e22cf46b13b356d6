package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/delivery"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/inventory"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/kitchen"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/order"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/policy"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/support"
)

const (
	InventoryCheck       = "inventory.check_availability"
	InventoryReserve     = "inventory.reserve"
	InventoryRelease     = "inventory.release"
	InventoryPromote     = "inventory.promote"
	InventorySubstitutes = "inventory.suggest_substitutes"
	InventoryUpdateStock = "inventory.update_stock"
	InventoryLowStock    = "inventory.low_stock"
	InventoryList        = "inventory.list"

	KitchenEnqueue     = "kitchen.enqueue"
	KitchenPrioritize  = "kitchen.prioritize"
	KitchenAdvance     = "kitchen.advance_status"
	KitchenQueueStatus = "kitchen.queue_status"
	KitchenOrderETA    = "kitchen.order_eta"
	KitchenEstimate    = "kitchen.estimate_prep_time"
	KitchenPeek        = "kitchen.peek"
	KitchenDequeue     = "kitchen.dequeue_ready"

	DeliveryAssign         = "delivery.assign"
	DeliveryETA            = "delivery.eta"
	DeliveryReportIssue    = "delivery.report_issue"
	DeliveryDrivers        = "delivery.available_drivers"
	DeliveryDriverLocation = "delivery.driver_location"
	DeliveryUpdateDriver   = "delivery.update_driver"

	PolicyResolve = "policy.resolve"

	OrderMenu          = "order.menu"
	OrderParseItems    = "order.parse_items"
	OrderValidatePromo = "order.validate_promo"
	OrderQuote         = "order.quote"
	OrderCreate        = "order.create"
	OrderGet           = "order.get"
	OrderAdvance       = "order.advance_stage"

	SupportRefund        = "support.issue_refund"
	SupportCredit        = "support.apply_credit"
	SupportTicket        = "support.create_ticket"
	SupportEscalate      = "support.escalate"
	SupportHistory       = "support.customer_history"
	SupportApplyDecision = "support.apply_decision"
	SupportRecordOrder   = "support.record_order"

	IntentClassify = "intent.classify"
	TextComplete   = "text.complete"
)

const collaboratorTimeout = 30 * time.Second

// workerTools are the read-only operations each worker may expose to the
// text-completion capability. Mutations stay on the deterministic path.
var workerTools = map[contractx.WorkerID][]string{
	contractx.WorkerRouter:    {OrderMenu},
	contractx.WorkerOrder:     {OrderMenu, OrderParseItems, OrderValidatePromo, OrderQuote, OrderGet, InventoryCheck},
	contractx.WorkerInventory: {InventoryCheck, InventorySubstitutes, InventoryLowStock, InventoryList},
	contractx.WorkerKitchen:   {KitchenQueueStatus, KitchenOrderETA, KitchenEstimate},
	contractx.WorkerDelivery:  {DeliveryETA, DeliveryDrivers, DeliveryDriverLocation},
	contractx.WorkerSupport:   {PolicyResolve, SupportHistory, OrderGet},
}

// Engines are the collaborators behind the catalog. Nil members leave their
// operations unregistered.
type Engines struct {
	Inventory  *inventory.Engine
	Kitchen    *kitchen.Engine
	Delivery   *delivery.Engine
	Policy     *policy.Engine
	Orders     *order.Engine
	Support    *support.Ledger
	Classifier contractx.IntentClassifier
	Completer  contractx.Completer
}

// ToolNamesForWorker returns the read-only allowlist for a worker.
func ToolNamesForWorker(worker contractx.WorkerID) []string {
	return append([]string(nil), workerTools[worker]...)
}

// InfosForWorker returns the tool schemas a worker may offer to the model.
func (d *Dispatcher) InfosForWorker(worker contractx.WorkerID) []*schema.ToolInfo {
	return d.Infos(workerTools[worker]...)
}

// RegisterCatalog registers every engine and collaborator operation.
func RegisterCatalog(d *Dispatcher, e Engines) error {
	var ops []Operation
	if e.Inventory != nil {
		ops = append(ops, inventoryOps(e.Inventory)...)
	}
	if e.Kitchen != nil {
		ops = append(ops, kitchenOps(e.Kitchen)...)
	}
	if e.Delivery != nil {
		ops = append(ops, deliveryOps(e.Delivery)...)
	}
	if e.Policy != nil {
		ops = append(ops, policyOps(e.Policy)...)
	}
	if e.Orders != nil {
		ops = append(ops, orderOps(e.Orders)...)
	}
	if e.Support != nil {
		ops = append(ops, supportOps(e.Support)...)
	}
	if e.Classifier != nil {
		ops = append(ops, classifierOp(e.Classifier))
	}
	if e.Completer != nil {
		ops = append(ops, completerOp(d, e.Completer))
	}
	for _, op := range ops {
		if err := d.Register(op); err != nil {
			return err
		}
	}
	return nil
}

func info(name, desc string, params map[string]*schema.ParameterInfo) *schema.ToolInfo {
	return &schema.ToolInfo{
		Name:        name,
		Desc:        desc,
		ParamsOneOf: schema.NewParamsOneOfByParams(params),
	}
}

func inventoryOps(inv *inventory.Engine) []Operation {
	itemParam := map[string]*schema.ParameterInfo{
		"item_id": {Type: schema.String, Desc: "Menu item id, e.g. pizza_margherita", Required: true},
	}
	return []Operation{
		{
			Name: InventoryCheck,
			Info: info(InventoryCheck, "Units of an item available to order right now.", itemParam),
			Handler: func(ctx context.Context, a Args) (any, error) {
				id, err := a.String("item_id")
				if err != nil {
					return nil, err
				}
				return inv.Level(ctx, id)
			},
		},
		{
			Name:     InventoryReserve,
			Mutating: true,
			Handler: func(ctx context.Context, a Args) (any, error) {
				id, err := a.String("item_id")
				if err != nil {
					return nil, err
				}
				qty, err := a.Int("quantity")
				if err != nil {
					return nil, err
				}
				ttl := time.Duration(a.OptInt("ttl_seconds", 0)) * time.Second
				return inv.Reserve(ctx, id, qty, a.OptString("order_id"), ttl)
			},
		},
		{
			Name:     InventoryRelease,
			Mutating: true,
			Handler: func(ctx context.Context, a Args) (any, error) {
				id, err := a.String("reservation_id")
				if err != nil {
					return nil, err
				}
				return map[string]any{"released": id}, inv.Release(ctx, id)
			},
		},
		{
			Name:     InventoryPromote,
			Mutating: true,
			Handler: func(ctx context.Context, a Args) (any, error) {
				id, err := a.String("reservation_id")
				if err != nil {
					return nil, err
				}
				return inv.Promote(ctx, id)
			},
		},
		{
			Name: InventorySubstitutes,
			Info: info(InventorySubstitutes, "In-stock alternatives from the same category.", map[string]*schema.ParameterInfo{
				"item_id": {Type: schema.String, Desc: "Unavailable item id", Required: true},
				"limit":   {Type: schema.Integer, Desc: "Maximum suggestions, default 3"},
			}),
			Handler: func(ctx context.Context, a Args) (any, error) {
				id, err := a.String("item_id")
				if err != nil {
					return nil, err
				}
				return inv.SuggestSubstitutes(ctx, id, a.OptInt("limit", 0))
			},
		},
		{
			Name:     InventoryUpdateStock,
			Mutating: true,
			Handler: func(ctx context.Context, a Args) (any, error) {
				id, err := a.String("item_id")
				if err != nil {
					return nil, err
				}
				qty, err := a.Int("quantity")
				if err != nil {
					return nil, err
				}
				op := inventory.StockOp(a.OptString("operation"))
				if op == "" {
					op = inventory.StockSet
				}
				return inv.UpdateStock(ctx, id, qty, op)
			},
		},
		{
			Name: InventoryLowStock,
			Info: info(InventoryLowStock, "Items at or below their low-stock threshold.", nil),
			Handler: func(ctx context.Context, _ Args) (any, error) {
				return inv.LowStock(ctx)
			},
		},
		{
			Name: InventoryList,
			Info: info(InventoryList, "Stock levels for every item.", nil),
			Handler: func(ctx context.Context, _ Args) (any, error) {
				return inv.List(ctx)
			},
		},
	}
}

func kitchenOps(k *kitchen.Engine) []Operation {
	orderParam := map[string]*schema.ParameterInfo{
		"order_id": {Type: schema.String, Desc: "Order id", Required: true},
	}
	return []Operation{
		{
			Name:     KitchenEnqueue,
			Mutating: true,
			Handler: func(ctx context.Context, a Args) (any, error) {
				in, err := Decode[struct {
					OrderID  string             `json:"order_id"`
					Items    []kitchen.LineItem `json:"items"`
					Priority bool               `json:"priority"`
				}](a)
				if err != nil {
					return nil, err
				}
				return k.Enqueue(ctx, in.OrderID, in.Items, in.Priority)
			},
		},
		{
			Name:     KitchenPrioritize,
			Mutating: true,
			Handler: func(ctx context.Context, a Args) (any, error) {
				id, err := a.String("order_id")
				if err != nil {
					return nil, err
				}
				return k.Prioritize(ctx, id)
			},
		},
		{
			Name:     KitchenAdvance,
			Mutating: true,
			Handler: func(ctx context.Context, a Args) (any, error) {
				id, err := a.String("order_id")
				if err != nil {
					return nil, err
				}
				status, err := a.String("status")
				if err != nil {
					return nil, err
				}
				return k.AdvanceStatus(ctx, id, kitchen.Status(status))
			},
		},
		{
			Name: KitchenQueueStatus,
			Info: info(KitchenQueueStatus, "Kitchen queue depth and average wait.", nil),
			Handler: func(ctx context.Context, _ Args) (any, error) {
				return k.QueueStatus(ctx)
			},
		},
		{
			Name: KitchenPeek,
			Info: info(KitchenPeek, "Queued kitchen orders in service order.", nil),
			Handler: func(ctx context.Context, _ Args) (any, error) {
				return k.Peek(ctx)
			},
		},
		{
			Name:     KitchenDequeue,
			Mutating: true,
			Info:     info(KitchenDequeue, "Remove ready orders from the kitchen queue in service order.", nil),
			Handler: func(ctx context.Context, _ Args) (any, error) {
				return k.DequeueReady(ctx)
			},
		},
		{
			Name: KitchenOrderETA,
			Info: info(KitchenOrderETA, "Kitchen status and minutes until an order is ready.", orderParam),
			Handler: func(ctx context.Context, a Args) (any, error) {
				id, err := a.String("order_id")
				if err != nil {
					return nil, err
				}
				return k.OrderETA(ctx, id)
			},
		},
		{
			Name: KitchenEstimate,
			Info: info(KitchenEstimate, "Estimate preparation minutes for a set of items.", map[string]*schema.ParameterInfo{
				"items": {
					Type: schema.Array,
					Desc: "Lines with item_id and quantity",
					ElemInfo: &schema.ParameterInfo{Type: schema.Object, SubParams: map[string]*schema.ParameterInfo{
						"item_id":  {Type: schema.String, Required: true},
						"quantity": {Type: schema.Integer, Required: true},
					}},
					Required: true,
				},
			}),
			Handler: func(ctx context.Context, a Args) (any, error) {
				in, err := Decode[struct {
					Items []kitchen.LineItem `json:"items"`
				}](a)
				if err != nil {
					return nil, err
				}
				status, err := k.QueueStatus(ctx)
				if err != nil {
					return nil, err
				}
				minutes := kitchen.EstimatePrepTime(in.Items, status.Depth, k.IsPeak(time.Now()))
				return map[string]any{"minutes": minutes, "queue_depth": status.Depth}, nil
			},
		},
	}
}

func deliveryOps(dl *delivery.Engine) []Operation {
	return []Operation{
		{
			Name:     DeliveryAssign,
			Mutating: true,
			Handler: func(ctx context.Context, a Args) (any, error) {
				req, err := Decode[delivery.AssignRequest](a)
				if err != nil {
					return nil, err
				}
				return dl.Assign(ctx, req)
			},
		},
		{
			Name: DeliveryETA,
			Info: info(DeliveryETA, "Delivery status, driver and minutes until arrival.", map[string]*schema.ParameterInfo{
				"order_id": {Type: schema.String, Desc: "Order id", Required: true},
			}),
			Handler: func(ctx context.Context, a Args) (any, error) {
				id, err := a.String("order_id")
				if err != nil {
					return nil, err
				}
				return dl.DeliveryETA(ctx, id)
			},
		},
		{
			Name:     DeliveryReportIssue,
			Mutating: true,
			Handler: func(ctx context.Context, a Args) (any, error) {
				id, err := a.String("order_id")
				if err != nil {
					return nil, err
				}
				return dl.ReportIssue(ctx, id, a.OptString("description"))
			},
		},
		{
			Name: DeliveryDrivers,
			Info: info(DeliveryDrivers, "Free drivers ordered by distance to the kitchen.", nil),
			Handler: func(ctx context.Context, _ Args) (any, error) {
				return dl.ListAvailableDrivers(ctx)
			},
		},
		{
			Name: DeliveryDriverLocation,
			Info: info(DeliveryDriverLocation, "Current location and status of a driver.", map[string]*schema.ParameterInfo{
				"driver_id": {Type: schema.String, Desc: "Driver id", Required: true},
			}),
			Handler: func(ctx context.Context, a Args) (any, error) {
				id, err := a.String("driver_id")
				if err != nil {
					return nil, err
				}
				return dl.DriverLocation(ctx, id)
			},
		},
		{
			Name:     DeliveryUpdateDriver,
			Mutating: true,
			Info: info(DeliveryUpdateDriver, "Set a driver's status and optionally its location.", map[string]*schema.ParameterInfo{
				"driver_id": {Type: schema.String, Desc: "Driver id", Required: true},
				"status": {
					Type:     schema.String,
					Desc:     "Driver status",
					Enum:     []string{string(delivery.DriverAvailable), string(delivery.DriverAssigned), string(delivery.DriverDelivering), string(delivery.DriverOffline)},
					Required: true,
				},
				"location": {Type: schema.Object, Desc: "Current position", SubParams: map[string]*schema.ParameterInfo{
					"lat": {Type: schema.Number, Required: true},
					"lng": {Type: schema.Number, Required: true},
				}},
			}),
			Handler: func(ctx context.Context, a Args) (any, error) {
				in, err := Decode[struct {
					DriverID string             `json:"driver_id"`
					Status   string             `json:"status"`
					Location *delivery.Location `json:"location"`
				}](a)
				if err != nil {
					return nil, err
				}
				return dl.UpdateDriverStatus(ctx, in.DriverID, delivery.DriverStatus(in.Status), in.Location)
			},
		},
	}
}

func policyOps(p *policy.Engine) []Operation {
	return []Operation{
		{
			Name: PolicyResolve,
			Info: info(PolicyResolve, "Resolve a support issue to a refund or credit decision.", map[string]*schema.ParameterInfo{
				"category":          {Type: schema.String, Desc: "late_delivery, wrong_item, missing_item or quality_issue", Required: true},
				"order_total_cents": {Type: schema.Integer, Desc: "Order total in cents", Required: true},
				"item_cost_cents":   {Type: schema.Integer, Desc: "Affected item cost in cents"},
				"delay_minutes":     {Type: schema.Integer, Desc: "Minutes late"},
			}),
			Handler: func(_ context.Context, a Args) (any, error) {
				category, err := a.String("category")
				if err != nil {
					return nil, err
				}
				facts, err := Decode[policy.Facts](a)
				if err != nil {
					return nil, err
				}
				return p.Resolve(category, facts)
			},
		},
	}
}

func orderOps(o *order.Engine) []Operation {
	orderParam := map[string]*schema.ParameterInfo{
		"order_id": {Type: schema.String, Desc: "Order id", Required: true},
	}
	return []Operation{
		{
			Name: OrderMenu,
			Info: info(OrderMenu, "List menu items, optionally for one category.", map[string]*schema.ParameterInfo{
				"category": {Type: schema.String, Desc: "pizza, burger, salad or drink"},
			}),
			Handler: func(_ context.Context, a Args) (any, error) {
				return o.Menu().Items(a.OptString("category")), nil
			},
		},
		{
			Name: OrderParseItems,
			Info: info(OrderParseItems, "Parse free text into menu lines.", map[string]*schema.ParameterInfo{
				"text": {Type: schema.String, Desc: "Customer text", Required: true},
			}),
			Handler: func(_ context.Context, a Args) (any, error) {
				text, err := a.String("text")
				if err != nil {
					return nil, err
				}
				return o.ParseItems(text), nil
			},
		},
		{
			Name: OrderValidatePromo,
			Info: info(OrderValidatePromo, "Check a promo code.", map[string]*schema.ParameterInfo{
				"code": {Type: schema.String, Desc: "Promo code", Required: true},
			}),
			Handler: func(_ context.Context, a Args) (any, error) {
				code, err := a.String("code")
				if err != nil {
					return nil, err
				}
				return order.ValidatePromo(code)
			},
		},
		{
			Name: OrderQuote,
			Info: info(OrderQuote, "Price menu lines with tax, delivery fee and promo.", map[string]*schema.ParameterInfo{
				"items": {
					Type: schema.Array,
					Desc: "Lines with item_id and quantity",
					ElemInfo: &schema.ParameterInfo{Type: schema.Object, SubParams: map[string]*schema.ParameterInfo{
						"item_id":  {Type: schema.String, Required: true},
						"quantity": {Type: schema.Integer, Required: true},
					}},
					Required: true,
				},
				"promo_code": {Type: schema.String, Desc: "Optional promo code"},
			}),
			Handler: func(_ context.Context, a Args) (any, error) {
				in, err := Decode[struct {
					Items     []order.Line `json:"items"`
					PromoCode string       `json:"promo_code"`
				}](a)
				if err != nil {
					return nil, err
				}
				return o.Quote(in.Items, in.PromoCode)
			},
		},
		{
			Name:     OrderCreate,
			Mutating: true,
			Handler: func(ctx context.Context, a Args) (any, error) {
				in, err := Decode[order.CreateInput](a)
				if err != nil {
					return nil, err
				}
				return o.Create(ctx, in)
			},
		},
		{
			Name: OrderGet,
			Info: info(OrderGet, "Order details, quote and stage.", orderParam),
			Handler: func(ctx context.Context, a Args) (any, error) {
				id, err := a.String("order_id")
				if err != nil {
					return nil, err
				}
				return o.Get(ctx, id)
			},
		},
		{
			Name:     OrderAdvance,
			Mutating: true,
			Handler: func(ctx context.Context, a Args) (any, error) {
				id, err := a.String("order_id")
				if err != nil {
					return nil, err
				}
				stage, err := a.String("stage")
				if err != nil {
					return nil, err
				}
				return o.AdvanceStage(ctx, id, order.Stage(stage), a.OptString("note"))
			},
		},
	}
}

func supportOps(l *support.Ledger) []Operation {
	return []Operation{
		{
			Name:     SupportRefund,
			Mutating: true,
			Handler: func(ctx context.Context, a Args) (any, error) {
				amount, err := a.Int64("amount_cents")
				if err != nil {
					return nil, err
				}
				return l.IssueRefund(ctx, a.OptString("order_id"), a.OptString("customer_id"), amount, a.OptString("reason"))
			},
		},
		{
			Name:     SupportCredit,
			Mutating: true,
			Handler: func(ctx context.Context, a Args) (any, error) {
				customer, err := a.String("customer_id")
				if err != nil {
					return nil, err
				}
				amount, err := a.Int64("amount_cents")
				if err != nil {
					return nil, err
				}
				return l.ApplyCredit(ctx, customer, amount, a.OptString("reason"))
			},
		},
		{
			Name:     SupportTicket,
			Mutating: true,
			Handler: func(ctx context.Context, a Args) (any, error) {
				return l.CreateTicket(ctx, a.OptString("order_id"), a.OptString("customer_id"), a.OptString("category"), a.OptString("details"))
			},
		},
		{
			Name:     SupportEscalate,
			Mutating: true,
			Handler: func(ctx context.Context, a Args) (any, error) {
				reason, err := a.String("reason")
				if err != nil {
					return nil, err
				}
				details, _ := a["context"].(map[string]any)
				return l.Escalate(ctx, a.OptString("order_id"), reason, details)
			},
		},
		{
			Name: SupportHistory,
			Info: info(SupportHistory, "Customer order count, credit balance and complaint history.", map[string]*schema.ParameterInfo{
				"customer_id": {Type: schema.String, Desc: "Customer id", Required: true},
			}),
			Handler: func(ctx context.Context, a Args) (any, error) {
				customer, err := a.String("customer_id")
				if err != nil {
					return nil, err
				}
				return l.CustomerHistory(ctx, customer)
			},
		},
		{
			Name:     SupportApplyDecision,
			Mutating: true,
			Handler: func(ctx context.Context, a Args) (any, error) {
				in, err := Decode[struct {
					OrderID    string          `json:"order_id"`
					CustomerID string          `json:"customer_id"`
					Decision   policy.Decision `json:"decision"`
				}](a)
				if err != nil {
					return nil, err
				}
				return l.ApplyDecision(ctx, in.OrderID, in.CustomerID, in.Decision)
			},
		},
		{
			Name:     SupportRecordOrder,
			Mutating: true,
			Handler: func(ctx context.Context, a Args) (any, error) {
				customer, err := a.String("customer_id")
				if err != nil {
					return nil, err
				}
				total, err := a.Int64("total_cents")
				if err != nil {
					return nil, err
				}
				return l.RecordOrder(ctx, customer, total)
			},
		},
	}
}

func classifierOp(c contractx.IntentClassifier) Operation {
	return Operation{
		Name:    IntentClassify,
		Timeout: collaboratorTimeout,
		Handler: func(ctx context.Context, a Args) (any, error) {
			req, err := Decode[contractx.ClassifyRequest](a)
			if err != nil {
				return nil, err
			}
			return c.Classify(ctx, req)
		},
	}
}

// completerOp attaches the worker's allowlisted tool schemas, which do not
// travel through JSON arguments.
func completerOp(d *Dispatcher, c contractx.Completer) Operation {
	return Operation{
		Name:    TextComplete,
		Timeout: collaboratorTimeout,
		Handler: func(ctx context.Context, a Args) (any, error) {
			req, err := Decode[contractx.CompletionRequest](a)
			if err != nil {
				return nil, err
			}
			if !req.WorkerID.Valid() {
				return nil, fmt.Errorf("%w: unknown worker %q", contractx.ErrValidation, req.WorkerID)
			}
			req.Tools = d.InfosForWorker(req.WorkerID)
			return c.Complete(ctx, req)
		},
	}
}
