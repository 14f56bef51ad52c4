// Package kfmt provides formatted output helpers that are safe to use from
// the earliest stages of kernel initialization.
package kfmt

import "io"

var (
	errNoVerb     = []byte("%!(NOVERB)")
	errMissingArg = []byte("%!(MISSING)")
	errBadArgType = []byte("%!(WRONGTYPE)")
	errExtraArg   = []byte("%!(EXTRA)")
	trueValue     = []byte("true")
	falseValue    = []byte("false")

	// numBuf is a shared scratch buffer for formatting numbers. Printf is
	// never re-entered; callers either run before interrupts are enabled
	// or serialize on the console sink.
	numBuf [32]byte

	// singleByte is used as a shared buffer for passing single characters
	// to the output sink.
	singleByte = []byte{0}

	// earlyPrintBuffer stores Printf output generated before a console
	// becomes available.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer where Printf sends its output. While it
	// is nil, output is redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for calls to Printf to w and drains any data
// accumulated in the early print buffer into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the current Printf output target.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf writes a formatted string to the active output sink. It supports a
// subset of the fmt.Printf verbs: %s, %o, %d, %x and %t, with an optional
// decimal width immediately preceding the verb. Integer arguments may be any
// built-in signed or unsigned integer type. Printf performs no allocations
// so it can be invoked before the kernel allocator is available.
//
// String and base-10 values shorter than the requested width are left-padded
// with spaces; base-16 values are left-padded with zeroes.
func Printf(format string, args ...interface{}) {
	Fprintf(output{}, format, args...)
}

// output routes writes either to the registered sink or, when no sink is
// registered yet, to the early print buffer.
type output struct{}

func (output) Write(p []byte) (int, error) {
	if outputSink != nil {
		return outputSink.Write(p)
	}
	return earlyPrintBuffer.Write(p)
}

// Fprintf behaves like Printf but writes its output to the supplied
// io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var nextArg, i int

	for i < len(format) {
		if format[i] != '%' {
			singleByte[0] = format[i]
			w.Write(singleByte)
			i++
			continue
		}

		i++
		width := 0
		for i < len(format) && '0' <= format[i] && format[i] <= '9' {
			width = width*10 + int(format[i]-'0')
			i++
		}

		if i == len(format) {
			w.Write(errNoVerb)
			return
		}

		verb := format[i]
		i++

		if verb == '%' {
			singleByte[0] = '%'
			w.Write(singleByte)
			continue
		}

		if nextArg >= len(args) {
			w.Write(errMissingArg)
			continue
		}
		arg := args[nextArg]
		nextArg++

		switch verb {
		case 's':
			fmtString(w, arg, width)
		case 'o':
			fmtInt(w, arg, 8, width)
		case 'd':
			fmtInt(w, arg, 10, width)
		case 'x':
			fmtInt(w, arg, 16, width)
		case 't':
			fmtBool(w, arg)
		default:
			w.Write(errNoVerb)
		}
	}

	if nextArg < len(args) {
		w.Write(errExtraArg)
	}
}

func fmtBool(w io.Writer, arg interface{}) {
	switch v := arg.(type) {
	case bool:
		if v {
			w.Write(trueValue)
		} else {
			w.Write(falseValue)
		}
	default:
		w.Write(errBadArgType)
	}
}

func fmtString(w io.Writer, arg interface{}, width int) {
	switch v := arg.(type) {
	case string:
		pad(w, len(v), width)
		for i := 0; i < len(v); i++ {
			singleByte[0] = v[i]
			w.Write(singleByte)
		}
	case []byte:
		pad(w, len(v), width)
		w.Write(v)
	default:
		w.Write(errBadArgType)
	}
}

func pad(w io.Writer, strLen, width int) {
	singleByte[0] = ' '
	for ; strLen < width; strLen++ {
		w.Write(singleByte)
	}
}

func fmtInt(w io.Writer, arg interface{}, base, width int) {
	var (
		v        uint64
		negative bool
	)

	switch x := arg.(type) {
	case uint8:
		v = uint64(x)
	case uint16:
		v = uint64(x)
	case uint32:
		v = uint64(x)
	case uint64:
		v = x
	case uint:
		v = uint64(x)
	case uintptr:
		v = uint64(x)
	case int8:
		negative, v = x < 0, abs(int64(x))
	case int16:
		negative, v = x < 0, abs(int64(x))
	case int32:
		negative, v = x < 0, abs(int64(x))
	case int64:
		negative, v = x < 0, abs(x)
	case int:
		negative, v = x < 0, abs(int64(x))
	default:
		w.Write(errBadArgType)
		return
	}

	const digits = "0123456789abcdef"
	end := len(numBuf)
	pos := end
	for {
		pos--
		numBuf[pos] = digits[v%uint64(base)]
		if v /= uint64(base); v == 0 {
			break
		}
	}

	if negative {
		pos--
		numBuf[pos] = '-'
	}

	padByte := byte(' ')
	if base == 16 {
		padByte = '0'
	}
	for end-pos < width && pos > 0 {
		pos--
		numBuf[pos] = padByte
	}

	w.Write(numBuf[pos:end])
}

func abs(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}
