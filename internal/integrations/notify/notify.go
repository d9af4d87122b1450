// Package notify: шаблонные сообщения клиентам.
package notify

import "context"

type Template string

const (
	TemplateOrderReceived   Template = "order_received"
	TemplateOrderArrived    Template = "order_arrived"
	TemplateOrderDispatched Template = "order_dispatched"
	TemplateOrderFailed     Template = "order_failed"
	TemplateOrderFeedback   Template = "order_completed_feedback"
)

type Sender interface {
	Send(ctx context.Context, phone string, template Template, params map[string]string) error
}

// Noop используется, когда канал уведомлений не настроен.
type Noop struct{}

func (Noop) Send(context.Context, string, Template, map[string]string) error { return nil }
