package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(receiverDataKey{}).(*ReceiverData); ok {
		r.AddAttrs(slog.Group("recv",
			slog.String("id", rd.ReceiverID),
			slog.String("target", rd.Target),
		))
	}

	if sd, ok := ctx.Value(slotDataKey{}).(*SlotData); ok {
		r.AddAttrs(slog.Group("slot",
			slog.String("name", sd.Slot),
			slog.String("conn_id", sd.ConnID),
			slog.Int("attempt", sd.Attempt),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type receiverDataKey struct{}

type ReceiverData struct {
	ReceiverID string
	Target     string
}

func WithReceiverData(ctx context.Context, data *ReceiverData) context.Context {
	return context.WithValue(ctx, receiverDataKey{}, data)
}

type slotDataKey struct{}

type SlotData struct {
	Slot    string
	ConnID  string
	Attempt int
}

func WithSlotData(ctx context.Context, data *SlotData) context.Context {
	return context.WithValue(ctx, slotDataKey{}, data)
}
