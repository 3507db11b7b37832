package discord

import (
	"strconv"
	"time"
)

// Epoch is the Discord epoch: the first millisecond of 2015, UTC.
// Snowflake timestamps count milliseconds from this instant.
const Epoch int64 = 1420070400000

// Snowflake is a 64-bit Discord identifier. The high 42 bits encode the
// creation timestamp, which makes ids sortable by creation time and lets
// shard routing derive a stable partition from the timestamp bits.
//
// Discord transmits snowflakes as JSON strings to survive runtimes with
// 53-bit integers; marshaling round-trips through the string form.
type Snowflake uint64

// ParseSnowflake converts the wire string form to a Snowflake.
// Byte-level parsing, no allocations on the hot path.
func ParseSnowflake(s string) (Snowflake, error) {
	if s == "" || s == "null" {
		return 0, nil
	}
	var result uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, &strconv.NumError{Func: "ParseSnowflake", Num: s, Err: strconv.ErrSyntax}
		}
		result = result*10 + uint64(c-'0')
	}
	return Snowflake(result), nil
}

// String returns the decimal wire form.
func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// IsZero reports whether the snowflake is unset.
func (s Snowflake) IsZero() bool { return s == 0 }

// Time extracts the creation timestamp embedded in the high 42 bits.
func (s Snowflake) Time() time.Time {
	return time.UnixMilli(int64(s>>22) + Epoch)
}

// MarshalJSON encodes the snowflake as a quoted decimal string.
func (s Snowflake) MarshalJSON() ([]byte, error) {
	if s == 0 {
		return []byte("null"), nil
	}
	b := make([]byte, 0, 22)
	b = append(b, '"')
	b = strconv.AppendUint(b, uint64(s), 10)
	b = append(b, '"')
	return b, nil
}

// UnmarshalJSON accepts a quoted string, a bare integer, or null.
func (s *Snowflake) UnmarshalJSON(data []byte) error {
	str := string(data)
	if str == "null" {
		*s = 0
		return nil
	}
	if len(str) >= 2 && str[0] == '"' && str[len(str)-1] == '"' {
		str = str[1 : len(str)-1]
	}
	v, err := ParseSnowflake(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}
