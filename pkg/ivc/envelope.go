package ivc

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Mach-34/grapevine/pkg/field"
)

const envelopeVersion = 1

// Envelope field numbers.
const (
	fieldVersion     protowire.Number = 1
	fieldIterations  protowire.Number = 2
	fieldStart       protowire.Number = 3
	fieldOutputs     protowire.Number = 4
	fieldAccumulator protowire.Number = 5
	fieldTag         protowire.Number = 6
)

// envelope is the decoded form of a HashFold proof.
type envelope struct {
	iterations  uint64
	start       Outputs
	outputs     Outputs
	accumulator field.Element
	tag         field.Element
}

func (e *envelope) marshal() Proof {
	b := make([]byte, 0, 2*OutputsLen*field.Bytes+3*field.Bytes)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, envelopeVersion)
	b = protowire.AppendTag(b, fieldIterations, protowire.VarintType)
	b = protowire.AppendVarint(b, e.iterations)
	b = protowire.AppendTag(b, fieldStart, protowire.BytesType)
	b = protowire.AppendBytes(b, outputsBytes(e.start))
	b = protowire.AppendTag(b, fieldOutputs, protowire.BytesType)
	b = protowire.AppendBytes(b, outputsBytes(e.outputs))
	acc := e.accumulator.Bytes()
	b = protowire.AppendTag(b, fieldAccumulator, protowire.BytesType)
	b = protowire.AppendBytes(b, acc[:])
	tag := e.tag.Bytes()
	b = protowire.AppendTag(b, fieldTag, protowire.BytesType)
	b = protowire.AppendBytes(b, tag[:])
	return b
}

func unmarshalEnvelope(b []byte) (*envelope, error) {
	var (
		env  envelope
		seen = make(map[protowire.Number]bool, 6)
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedProof, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldVersion || num == fieldIterations):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedProof, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldVersion && v != envelopeVersion {
				return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedProof, v)
			}
			if num == fieldIterations {
				env.iterations = v
			}
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedProof, protowire.ParseError(n))
			}
			b = b[n:]
			if err := env.setBytes(num, v); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unexpected field %d", ErrMalformedProof, num)
		}
		seen[num] = true
	}

	for _, num := range []protowire.Number{
		fieldVersion, fieldIterations, fieldStart, fieldOutputs, fieldAccumulator, fieldTag,
	} {
		if !seen[num] {
			return nil, fmt.Errorf("%w: missing field %d", ErrMalformedProof, num)
		}
	}
	return &env, nil
}

func (e *envelope) setBytes(num protowire.Number, v []byte) error {
	var err error
	switch num {
	case fieldStart:
		e.start, err = outputsFromBytes(v)
	case fieldOutputs:
		e.outputs, err = outputsFromBytes(v)
	case fieldAccumulator:
		err = setElement(&e.accumulator, v)
	case fieldTag:
		err = setElement(&e.tag, v)
	default:
		err = fmt.Errorf("%w: unexpected field %d", ErrMalformedProof, num)
	}
	return err
}

func outputsBytes(o Outputs) []byte {
	out := make([]byte, 0, OutputsLen*field.Bytes)
	for i := range o {
		b := o[i].Bytes()
		out = append(out, b[:]...)
	}
	return out
}

func outputsFromBytes(b []byte) (Outputs, error) {
	var o Outputs
	if len(b) != OutputsLen*field.Bytes {
		return o, fmt.Errorf("%w: outputs have %d bytes", ErrMalformedProof, len(b))
	}
	for i := range o {
		if err := setElement(&o[i], b[i*field.Bytes:(i+1)*field.Bytes]); err != nil {
			return o, err
		}
	}
	return o, nil
}

func setElement(e *field.Element, b []byte) error {
	if len(b) != field.Bytes {
		return fmt.Errorf("%w: element has %d bytes", ErrMalformedProof, len(b))
	}
	if err := e.SetBytesCanonical(b); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	return nil
}
