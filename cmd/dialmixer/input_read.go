//go:build !linux

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
)

// readDevices runs one blocking reader per device. Closing the files on
// cancellation unblocks the readers.
func readDevices(ctx context.Context, devices []inputDevice, handle func(dial int, ev inputEvent)) error {
	if len(devices) == 0 {
		return errors.New("no input devices provided")
	}

	var mu sync.Mutex // serializes handle across readers
	errc := make(chan error, len(devices))
	for _, d := range devices {
		go func(d inputDevice) {
			buf := make([]byte, binary.Size(inputEvent{}))
			reader := bytes.NewReader(buf)
			for {
				if _, err := io.ReadFull(d.file, buf); err != nil {
					errc <- err
					return
				}
				reader.Reset(buf)
				var ev inputEvent
				if err := binary.Read(reader, binary.LittleEndian, &ev); err != nil {
					continue
				}
				mu.Lock()
				handle(d.dial, ev)
				mu.Unlock()
			}
		}(d)
	}

	select {
	case <-ctx.Done():
		for _, d := range devices {
			d.file.Close()
		}
		return nil
	case err := <-errc:
		return err
	}
}
