package testutil

import (
	"bytes"
	"errors"
	"io"
	"sync/atomic"
)

// PictureProcess stands in for an external video decoder. Every write to
// its input is one access unit; it answers with one width x height RGBA
// picture per unit, one unit late, like a decoder holding a reorder window.
// Picture n is filled with byte(n).
type PictureProcess struct {
	inR, outR *io.PipeReader
	inW, outW *io.PipeWriter
	done      chan struct{}
	units     atomic.Int64
}

// NewPictureProcess starts a process producing width x height pictures.
func NewPictureProcess(width, height int) *PictureProcess {
	p := &PictureProcess{done: make(chan struct{})}
	p.inR, p.inW = io.Pipe()
	p.outR, p.outW = io.Pipe()
	go p.run(width * height * 4)
	return p
}

func (p *PictureProcess) run(size int) {
	defer close(p.done)
	buf := make([]byte, 4<<20)
	var n int
	held := false
	emit := func() error {
		_, err := p.outW.Write(bytes.Repeat([]byte{byte(n)}, size))
		n++
		return err
	}
	for {
		if _, err := p.inR.Read(buf); err != nil {
			if held && errors.Is(err, io.EOF) {
				if err := emit(); err != nil {
					return
				}
			}
			_ = p.outW.Close()
			return
		}
		p.units.Add(1)
		if held {
			if err := emit(); err != nil {
				return
			}
		}
		held = true
	}
}

func (p *PictureProcess) Stdin() io.WriteCloser { return p.inW }
func (p *PictureProcess) Stdout() io.Reader     { return p.outR }

// Wait blocks until the process has stopped.
func (p *PictureProcess) Wait() error {
	<-p.done
	return nil
}

func (p *PictureProcess) Kill() error {
	_ = p.inR.CloseWithError(io.ErrClosedPipe)
	_ = p.outW.CloseWithError(io.ErrClosedPipe)
	return nil
}

// Done is closed once the process has stopped.
func (p *PictureProcess) Done() <-chan struct{} { return p.done }

// Units reports how many access units the process has read.
func (p *PictureProcess) Units() int { return int(p.units.Load()) }
