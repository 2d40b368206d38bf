package broadcast

import "context"

// FuncSink adapts a function to Sink. Close does nothing.
type FuncSink func(ctx context.Context, ev Event) error

func (f FuncSink) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }

func (f FuncSink) Close() error { return nil }
