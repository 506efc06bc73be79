package registry

import (
	"context"
	"fmt"

	"backgrounder-go/internal/codec"
)

// Method registers an operation implemented as a method on service S taking
// a parameter record P. The service is resolved on every invocation; an
// empty payload leaves the parameters at their zero value. Payloads are
// decoded with the codec matching the envelope's content type, falling back
// to c when the envelope carries none.
//
// Go does not allow generic methods, hence the package-level function.
func Method[S, P any](r *Registry, c codec.Codec, signature string, method func(svc S, ctx context.Context, params P) error) bool {
	return r.Register(signature, func(ctx context.Context, resolver Resolver, contentType string, payload []byte) error {
		params, err := decodeParams[P](c, signature, contentType, payload)
		if err != nil {
			return err
		}
		svc, err := ResolveAs[S](resolver)
		if err != nil {
			return fmt.Errorf("resolve service for %q: %w", signature, err)
		}
		return method(svc, ctx, params)
	})
}

// Func registers an operation that needs no service instance.
func Func[P any](r *Registry, c codec.Codec, signature string, fn func(ctx context.Context, params P) error) bool {
	return r.Register(signature, func(ctx context.Context, _ Resolver, contentType string, payload []byte) error {
		params, err := decodeParams[P](c, signature, contentType, payload)
		if err != nil {
			return err
		}
		return fn(ctx, params)
	})
}

func decodeParams[P any](fallback codec.Codec, signature, contentType string, payload []byte) (P, error) {
	var params P
	c := fallback
	if contentType != "" && contentType != fallback.ContentType() {
		var ok bool
		if c, ok = codec.ForContentType(contentType); !ok {
			return params, fmt.Errorf("%w %q for %q", ErrUnsupportedContentType, contentType, signature)
		}
	}
	if len(payload) == 0 {
		return params, nil
	}
	if err := c.Decode(payload, &params); err != nil {
		return params, fmt.Errorf("decode parameters for %q: %w", signature, err)
	}
	return params, nil
}
