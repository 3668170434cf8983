package octet

import (
	"fmt"
	"strings"
)

// AppendFormat appends printf-style formatted text. The standard verbs are
// handled by fmt; two extensions take a *Buffer argument: %S appends the
// raw octets (embedded zero octets survive) and %E appends them
// url-encoded. The C length modifiers h and l are accepted and ignored.
func (b *Buffer) AppendFormat(format string, args ...interface{}) {
	b.checkMutable()
	arg := 0
	next := func() interface{} {
		if arg >= len(args) {
			return nil
		}
		a := args[arg]
		arg++
		return a
	}
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			b.data = append(b.data, c)
			continue
		}
		// collect the conversion spec
		j := i + 1
		var spec strings.Builder
		spec.WriteByte('%')
		for j < len(format) {
			c = format[j]
			if c == '-' || c == '0' || c == ' ' || c == '+' || c == '#' ||
				(c >= '1' && c <= '9') || c == '.' {
				spec.WriteByte(c)
				j++
				continue
			}
			if c == '*' {
				w, _ := next().(int)
				fmt.Fprintf(&spec, "%d", w)
				j++
				continue
			}
			if c == 'h' || c == 'l' {
				j++ // length modifier, meaningless here
				continue
			}
			break
		}
		if j >= len(format) {
			b.data = append(b.data, format[i:]...)
			return
		}
		verb := format[j]
		i = j
		switch verb {
		case '%':
			b.data = append(b.data, '%')
		case 'S', 'E':
			ob, _ := next().(*Buffer)
			var body []byte
			if ob != nil {
				body = ob.data
			}
			if verb == 'E' {
				enc := FromBytes(body)
				enc.URLEncode()
				body = enc.data
			}
			b.data = append(b.data, fmt.Sprintf(spec.String()+"s", string(body))...)
		case 'i':
			b.data = append(b.data, fmt.Sprintf(spec.String()+"d", next())...)
		case 'c', 'd', 'o', 'u', 'x', 'X', 'e', 'f', 'g', 's', 'p':
			v := verb
			if v == 'u' {
				v = 'd'
			}
			b.data = append(b.data, fmt.Sprintf(spec.String()+string(v), next())...)
		default:
			// unknown verb, emit literally like fmt would complain about
			b.data = append(b.data, '%', verb)
		}
	}
}

// Format returns a new buffer with formatted contents.
func Format(format string, args ...interface{}) *Buffer {
	b := New()
	b.AppendFormat(format, args...)
	return b
}
