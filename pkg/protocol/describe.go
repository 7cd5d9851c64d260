package protocol

import (
	"bytes"
	"strconv"

	"github.com/trackle-iot/trackle-go/pkg/coap"
	"github.com/trackle-iot/trackle-go/pkg/diagnostic"
)

// variableTypeDigit maps a VariableKind to the single type digit the
// broker's describe schema uses: 1 boolean, 2 int, 4 string, 6 long,
// 7 json, 9 double.
func variableTypeDigit(kind coap.VariableKind) byte {
	switch kind {
	case coap.VariableBool:
		return '1'
	case coap.VariableInt32:
		return '2'
	case coap.VariableString:
		return '4'
	case coap.VariableInt64:
		return '6'
	case coap.VariableDouble:
		return '9'
	default:
		return '7'
	}
}

// buildDescribePayload produces a Describe message payload. A
// metrics-only describe is binary (a null byte, the metrics flag, a pad
// byte, then the diagnostic records); anything else is the broker's JSON
// schema listing registered functions and variables. The JSON is
// assembled by hand in registration order so two describes over identical
// state are byte-identical; encoding/json's map ordering
// would not guarantee that.
func buildDescribePayload(flags coap.DescribeFlags, entities *entityTable, diag *diagnostic.Registry) []byte {
	if flags == coap.DescribeMetrics {
		payload := []byte{0, byte(coap.DescribeMetrics), 0}
		return append(payload, diag.Encode()...)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	if flags&coap.DescribeApp != 0 {
		buf.WriteString(`"f":[`)
		for i, key := range entities.funcOrder {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(strconv.Quote(key))
		}
		buf.WriteString(`],"v":{`)
		for i, key := range entities.varOrder {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(strconv.Quote(key))
			buf.WriteByte(':')
			buf.WriteByte(variableTypeDigit(entities.variables[key].kind))
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.Bytes()
}
