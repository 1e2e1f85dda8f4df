// serialio/frame.go
package serialio

import (
	"strconv"
	"strings"
	"time"

	"github.com/AsherValentini/MiLO-Middleware/errcode"
	"github.com/AsherValentini/MiLO-Middleware/types"
)

// Wire format, per device, ASCII lines terminated CR-LF:
//
//	command:  <token> <opcode> [args...] [*<crc16>]\r\n
//	response: <token> <status> [payload] [*<crc16>]\r\n
//
// CRC is CRC-16/CCITT-FALSE over the line text up to (excluding) the
// " *" separator, four uppercase hex digits. Optional: negotiated at
// connect; when absent framing relies on CR-LF alone.

// AppendCommand frames cmd into dst and returns the extended slice.
// The caller supplies dst with capacity types.MaxWireBytes so steady
// state sends do not allocate.
func AppendCommand(dst []byte, cmd types.Command, withCRC bool) ([]byte, error) {
	start := len(dst)
	dst = strconv.AppendUint(dst, uint64(cmd.Token), 10)
	dst = append(dst, ' ')
	dst = append(dst, cmd.Opcode...)
	for _, a := range cmd.Args {
		dst = append(dst, ' ')
		dst = append(dst, a...)
	}
	if withCRC {
		crc := CRC16(dst[start:])
		dst = append(dst, ' ', '*')
		dst = appendHex16(dst, crc)
	}
	dst = append(dst, '\r', '\n')
	if len(dst)-start > types.MaxWireBytes {
		return nil, &errcode.E{C: errcode.FrameTooLarge, Op: "serialio.frame", Msg: cmd.Opcode}
	}
	return dst, nil
}

// ParseResponse decodes one line (CR-LF already stripped). A CRC field
// is verified whenever present, negotiated or not.
func ParseResponse(line string, now time.Time) (types.Response, error) {
	body := line
	if i := strings.LastIndex(line, " *"); i >= 0 {
		body = line[:i]
		want, err := strconv.ParseUint(line[i+2:], 16, 16)
		if err != nil {
			return types.Response{}, &errcode.E{C: errcode.SerialCrc, Op: "serialio.parse", Msg: "bad crc field"}
		}
		if CRC16([]byte(body)) != uint16(want) {
			return types.Response{}, &errcode.E{C: errcode.SerialCrc, Op: "serialio.parse", Msg: "crc mismatch"}
		}
	}

	fields := strings.Fields(body)
	if len(fields) < 2 {
		return types.Response{}, &errcode.E{C: errcode.BadFrame, Op: "serialio.parse", Msg: "short line"}
	}
	token, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return types.Response{}, &errcode.E{C: errcode.BadFrame, Op: "serialio.parse", Msg: "bad token"}
	}
	status, ok := types.ParseStatus(fields[1])
	if !ok {
		return types.Response{}, &errcode.E{C: errcode.BadFrame, Op: "serialio.parse", Msg: "bad status"}
	}
	resp := types.Response{Token: uint32(token), Status: status, ReceivedAt: now}
	if len(fields) > 2 {
		resp.Payload = strings.Join(fields[2:], " ")
	}
	return resp, nil
}

func appendHex16(dst []byte, v uint16) []byte {
	const digits = "0123456789ABCDEF"
	return append(dst,
		digits[v>>12&0xF], digits[v>>8&0xF], digits[v>>4&0xF], digits[v&0xF])
}
