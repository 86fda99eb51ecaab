package objects

import "time"

// The types below give distinct Go identity to CLIXML primitive kinds that
// would otherwise collide with Go's own int/float/string types, so the
// serializer's type switch can pick the correct tag (MS-PSRP 2.2.5.1).

// Byte is the CLIXML <By> primitive (.NET System.Byte, unsigned 8-bit).
type Byte byte

// SByte is the CLIXML <SByte> primitive (.NET System.SByte, signed 8-bit).
type SByte int8

// UInt16 is the CLIXML <U16> primitive.
type UInt16 uint16

// Int16 is the CLIXML <I16> primitive.
type Int16 int16

// UInt32 is the CLIXML <U32> primitive.
type UInt32 uint32

// UInt64 is the CLIXML <U64> primitive.
type UInt64 uint64

// Single is the CLIXML <Sg> primitive (.NET System.Single, 32-bit float).
type Single float32

// Char is the CLIXML <C> primitive, carried as the decimal Unicode code point.
type Char rune

// Decimal is the CLIXML <D> primitive. PowerShell's System.Decimal is a
// 128-bit fixed-point type; this codec carries it as its canonical decimal
// text form since Go has no built-in 128-bit decimal.
type Decimal string

// TimeSpan is the CLIXML <TS> primitive, an ISO-8601 duration.
type TimeSpan time.Duration

// XMLDocument is the CLIXML <XD> primitive: an embedded, opaque XML document
// (.NET System.Xml.XmlDocument), carried as its serialized text.
type XMLDocument string

// Unsupported preserves a CLIXML element this codec did not recognize, so a
// decode can round-trip traffic containing tags outside the documented
// subset instead of failing the whole message (spec: unknown primitive tags
// and unknown property names are preserved as opaque content).
type Unsupported struct {
	Tag string
	Raw string
}
