package worker

import "context"

// txHooks collects callbacks registered by one attempt of a mutation's transaction.
type txHooks struct {
	commit  []func()
	failure []func()
}

type hooksKey struct{}

func withHooks(ctx context.Context, h *txHooks) context.Context {
	return context.WithValue(ctx, hooksKey{}, h)
}

func hooksFrom(ctx context.Context) *txHooks {
	h, _ := ctx.Value(hooksKey{}).(*txHooks)
	return h
}

// OnCommit defers fn until the mutation's transaction has committed. Attempts the
// store retries discard their callbacks, so fn runs at most once per call. Outside
// a runner-managed mutation fn runs immediately.
func OnCommit(ctx context.Context, fn func()) {
	if h := hooksFrom(ctx); h != nil {
		h.commit = append(h.commit, fn)
		return
	}
	fn()
}

// OnFailure defers fn until the runner has given up on the mutation and marked its
// call failed. Outside a runner-managed mutation fn runs immediately.
func OnFailure(ctx context.Context, fn func()) {
	if h := hooksFrom(ctx); h != nil {
		h.failure = append(h.failure, fn)
		return
	}
	fn()
}

func runHooks(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
