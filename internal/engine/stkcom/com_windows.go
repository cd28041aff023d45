//go:build windows
// +build windows

package stkcom

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
)

// comConn owns the COM apartment. Every call runs on one locked OS thread,
// so requests are handed to that goroutine over a channel.
type comConn struct {
	reqs      chan comRequest
	done      chan struct{}
	closeOnce sync.Once
}

type comRequest struct {
	cmd   string
	reply chan comReply
}

type comReply struct {
	lines []string
	err   error
}

// Dial starts or attaches to the STK application and returns a connection
// to its object model root.
func Dial(ctx context.Context, cfg Config) (Conn, error) {
	c := &comConn{
		reqs: make(chan comRequest),
		done: make(chan struct{}),
	}
	ready := make(chan error, 1)
	go c.loop(cfg, ready)

	select {
	case err := <-ready:
		if err != nil {
			return nil, err
		}
		return c, nil
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

func (c *comConn) loop(cfg Config, ready chan<- error) {
	defer close(c.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		// S_FALSE means the apartment already exists on this thread.
		if oleErr, ok := err.(*ole.OleError); !ok || oleErr.Code() != 1 {
			ready <- fmt.Errorf("CoInitializeEx: %w", err)
			return
		}
	}
	defer ole.CoUninitialize()

	var unknown *ole.IUnknown
	var err error
	if cfg.AttachRunning {
		unknown, err = oleutil.GetActiveObject(cfg.ProgID)
	} else {
		unknown, err = oleutil.CreateObject(cfg.ProgID)
	}
	if err != nil {
		ready <- fmt.Errorf("failed to get %s: %w", cfg.ProgID, err)
		return
	}
	app, err := unknown.QueryInterface(ole.IID_IDispatch)
	unknown.Release()
	if err != nil {
		ready <- fmt.Errorf("failed to query interface: %w", err)
		return
	}
	defer app.Release()

	if _, err := oleutil.PutProperty(app, "Visible", cfg.Visible); err != nil {
		ready <- fmt.Errorf("failed to set Visible: %w", err)
		return
	}
	if _, err := oleutil.PutProperty(app, "UserControl", true); err != nil {
		ready <- fmt.Errorf("failed to set UserControl: %w", err)
		return
	}

	rootV, err := oleutil.GetProperty(app, "Personality2")
	if err != nil {
		ready <- fmt.Errorf("failed to get object model root: %w", err)
		return
	}
	root := rootV.ToIDispatch()
	defer root.Release()

	ready <- nil
	for req := range c.reqs {
		lines, err := execute(root, req.cmd)
		req.reply <- comReply{lines: lines, err: err}
	}
}

func execute(root *ole.IDispatch, cmd string) ([]string, error) {
	resV, err := oleutil.CallMethod(root, "ExecuteCommand", cmd)
	if err != nil {
		return nil, err
	}
	res := resV.ToIDispatch()
	if res == nil {
		return nil, nil
	}
	defer res.Release()

	countV, err := oleutil.GetProperty(res, "Count")
	if err != nil {
		return nil, fmt.Errorf("get Count failed: %w", err)
	}
	n := int(countV.Val)
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		itemV, err := oleutil.CallMethod(res, "Item", i)
		if err != nil {
			return nil, fmt.Errorf("get Item %d failed: %w", i, err)
		}
		lines = append(lines, itemV.ToString())
		itemV.Clear()
	}
	return lines, nil
}

// Exec sends cmd to the COM thread and waits for its result.
func (c *comConn) Exec(ctx context.Context, cmd string) ([]string, error) {
	req := comRequest{cmd: cmd, reply: make(chan comReply, 1)}
	select {
	case c.reqs <- req:
	case <-c.done:
		return nil, fmt.Errorf("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rep := <-req.reply:
		return rep.lines, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the COM thread and releases the application.
func (c *comConn) Close() error {
	c.closeOnce.Do(func() { close(c.reqs) })
	<-c.done
	return nil
}
