package checkpoints

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// errSkip tells walk to skip a field it does not recognize
var errSkip = errors.New("skip field")

// fieldFunc consumes the value of one field from b and returns the number of bytes
// used. A negative count is a protowire parse error code.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walk iterates the top-level fields of a message, skipping unknown ones
func walk(data []byte, fn fieldFunc) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("invalid tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		m, err := fn(num, typ, data)
		if errors.Is(err, errSkip) {
			m = protowire.ConsumeFieldValue(num, typ, data)
		} else if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}
