package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.bug.st/serial"

	"github.com/cjeanneret/BalanGo/internal/debug"
)

// DefaultBaudRate matches the diagnostic UART of the controller board.
const DefaultBaudRate = 9600

// OpenSerial opens the diagnostic serial port, 8N1.
func OpenSerial(port string, baud int) (serial.Port, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(port, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", port, err)
	}
	return p, nil
}

// Pump writes every line received on lines to w, terminated by CRLF, until
// ctx is done or lines is closed. A write error ends the pump.
func Pump(ctx context.Context, lines <-chan string, w io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if _, err := io.WriteString(w, line+"\r\n"); err != nil {
				err = fmt.Errorf("write telemetry: %w", err)
				debug.Error(err)
				return err
			}
		}
	}
}
