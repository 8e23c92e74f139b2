package query

// Re-export read models from readmodel package
import "github.com/example/eventcore/internal/readmodel"

type OrderItemReadModel = readmodel.OrderItemReadModel
type OrderReadModel = readmodel.OrderReadModel
type OrderStatsReadModel = readmodel.OrderStatsReadModel
