package delegation

import "context"

// MaxCascadeDepth bounds cascade revocation work.
const MaxCascadeDepth = 50

// RevokeCascade revokes rootJTI and, transitively, every token issued by
// its delegate, their delegates, and so on — an iterative walk over an
// explicit stack (not recursive: adversarial delegation chains must not
// risk a stack overflow), bounded by MaxCascadeDepth and guarded by a
// visited set so cycles terminate.
func RevokeCascade(ctx context.Context, store Store, rootJTI, reason string) error {
	return RevokeCascadeDepth(ctx, store, rootJTI, reason, MaxCascadeDepth)
}

// RevokeCascadeDepth is RevokeCascade with an explicit depth bound, for
// tests that need to exercise the bound directly.
func RevokeCascadeDepth(ctx context.Context, store Store, rootJTI, reason string, maxDepth int) error {
	type frame struct {
		jti   string
		depth int
	}

	visited := make(map[string]bool)
	stack := []frame{{jti: rootJTI, depth: 0}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[top.jti] || top.depth > maxDepth {
			continue
		}
		visited[top.jti] = true

		rec, ok, err := store.GetIssuance(ctx, top.jti)
		if err != nil {
			return err
		}
		if ok && rec.Delegate != "" {
			children, err := store.ListIssuedBy(ctx, rec.Delegate)
			if err != nil {
				return err
			}
			for _, child := range children {
				stack = append(stack, frame{jti: child, depth: top.depth + 1})
			}
		}

		if err := store.Revoke(ctx, top.jti, reason); err != nil {
			return err
		}
	}

	return nil
}
