package order

import (
	"github.com/example/eventcore/internal/command"
	"github.com/example/eventcore/internal/domain/aggregate"
)

const (
	OpPlace  = "place"
	OpPay    = "pay"
	OpShip   = "ship"
	OpCancel = "cancel"
)

// RegisterCommands binds the order operations to the command handler.
func RegisterCommands(h *command.Handler, eng *aggregate.Engine[Order]) error {
	routes := []struct {
		op string
		fn command.RouteFunc
	}{
		{OpPlace, command.Route(eng, true, func(id string, cmd command.PlaceOrder, actor string) aggregate.Operation[Order] {
			items := make([]OrderItem, len(cmd.Items))
			for i, l := range cmd.Items {
				items[i] = OrderItem{ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: l.UnitPrice}
			}
			return Place(id, cmd.UserID, items, cmd.Currency, actor)
		})},
		{OpPay, command.Route(eng, false, func(_ string, cmd command.PayOrder, actor string) aggregate.Operation[Order] {
			return Pay(cmd.PaymentID, cmd.Amount, actor)
		})},
		{OpShip, command.Route(eng, false, func(_ string, cmd command.ShipOrder, actor string) aggregate.Operation[Order] {
			return Ship(cmd.TrackingNumber, actor)
		})},
		{OpCancel, command.Route(eng, false, func(_ string, cmd command.CancelOrder, actor string) aggregate.Operation[Order] {
			return Cancel(cmd.Reason, actor)
		})},
	}
	for _, r := range routes {
		if err := h.Register(StreamType, r.op, r.fn); err != nil {
			return err
		}
	}
	return nil
}
