package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/pkg/errors"

	"sensorhub/internal/calib"
	"sensorhub/internal/hub"
	"sensorhub/internal/lifecycle"
	"sensorhub/internal/sensor"
)

// admin is the hub surface the console drives.
type admin interface {
	Snapshot() hub.Snapshot
	Enable(ctx context.Context, id sensor.ID, on bool) error
	SetInterval(ctx context.Context, id sensor.ID, d time.Duration) error
	SetBatch(ctx context.Context, id sensor.ID, flags int, period, timeout time.Duration) error
	Flush(ctx context.Context, handle int) error
	FlushCount(ctx context.Context) (uint32, error)
	ReadRaw(ctx context.Context, reg byte, n int) ([]byte, error)
	WriteRaw(ctx context.Context, reg byte, data []byte) error
	ForceReset(ctx context.Context) bool
	EnterBootloader(ctx context.Context) error
	LeaveBootloader(ctx context.Context) error
	SetDiagCapture(ctx context.Context, on bool) error
	LastDump() lifecycle.Dump
	LogMask(ctx context.Context) (uint32, error)
	SetLogMask(ctx context.Context, v uint32) error
	LogLevel(ctx context.Context) (uint32, error)
	SetLogLevel(ctx context.Context, v uint32) error
	LogSize(ctx context.Context) (size, dropped uint32, err error)
	SetDisplay(ctx context.Context, on bool) error
	SetFacedown(on bool)
	SetPowerKeyPressed(on bool)
	Suspend()
	Resume()
	McuTime(ctx context.Context) (uint64, error)
	FirmwareVersion(ctx context.Context) (calib.Version, error)
	CalibrationData(ctx context.Context, f calib.Family) ([]byte, error)
	SetCalibration(ctx context.Context, f calib.Family, data []byte) error
	SetPlacement(ctx context.Context, p calib.Placement) error
}

const consoleHelp = `commands:
  status
  enable <sensor> on|off
  interval <sensor> <period>
  batch <sensor> <period> <timeout> [flags]
  flush <handle|sync>
  queue
  read <reg> <n>
  write <reg> <byte>...
  reset
  bootloader enter|leave
  diag on|off
  dump
  logmask [value]
  loglevel [value]
  logsize
  display on|off
  facedown on|off
  powerkey on|off
  suspend | resume
  time | version
  calib <family> [byte...]
  placement <accel> <compass> <gyro>
`

type console struct {
	hub admin
	out io.Writer
}

// run reads commands from r until EOF or ctx ends. Errors are printed and
// the loop continues.
func (c *console) run(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		if err := c.exec(ctx, sc.Text()); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
	return sc.Err()
}

func (c *console) exec(ctx context.Context, line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return errors.Wrap(err, "parse")
	}
	if len(args) == 0 || strings.HasPrefix(args[0], "#") {
		return nil
	}
	cmd, args := strings.ToLower(args[0]), args[1:]
	h := c.hub

	switch cmd {
	case "help", "?":
		fmt.Fprint(c.out, consoleHelp)
		return nil

	case "status":
		b, err := json.MarshalIndent(h.Snapshot(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s\n", b)
		return nil

	case "enable":
		if err := need(args, 2); err != nil {
			return err
		}
		id, err := sensor.Parse(args[0])
		if err != nil {
			return err
		}
		on, err := onOff(args[1])
		if err != nil {
			return err
		}
		return h.Enable(ctx, id, on)

	case "interval":
		if err := need(args, 2); err != nil {
			return err
		}
		id, err := sensor.Parse(args[0])
		if err != nil {
			return err
		}
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return errors.Wrap(err, "interval")
		}
		return h.SetInterval(ctx, id, d)

	case "batch":
		if err := need(args, 3); err != nil {
			return err
		}
		id, err := sensor.Parse(args[0])
		if err != nil {
			return err
		}
		period, err := time.ParseDuration(args[1])
		if err != nil {
			return errors.Wrap(err, "batch period")
		}
		timeout, err := time.ParseDuration(args[2])
		if err != nil {
			return errors.Wrap(err, "batch timeout")
		}
		flags := 0
		if len(args) > 3 {
			v, err := strconv.ParseInt(args[3], 0, 32)
			if err != nil {
				return errors.Wrap(err, "batch flags")
			}
			flags = int(v)
		}
		return h.SetBatch(ctx, id, flags, period, timeout)

	case "flush":
		if err := need(args, 1); err != nil {
			return err
		}
		handle := hub.TimestampSync
		if args[0] != "sync" {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return errors.Wrap(err, "flush handle")
			}
			handle = v
		}
		return h.Flush(ctx, handle)

	case "queue":
		n, err := h.FlushCount(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "queued=%d\n", n)
		return nil

	case "read":
		if err := need(args, 2); err != nil {
			return err
		}
		reg, err := parseByte(args[0])
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return errors.Wrap(err, "read length")
		}
		b, err := h.ReadRaw(ctx, reg, n)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "0x%02X: % x\n", reg, b)
		return nil

	case "write":
		if err := need(args, 2); err != nil {
			return err
		}
		reg, err := parseByte(args[0])
		if err != nil {
			return err
		}
		data, err := parseBytes(args[1:])
		if err != nil {
			return err
		}
		return h.WriteRaw(ctx, reg, data)

	case "reset":
		fmt.Fprintf(c.out, "reset ran=%v\n", h.ForceReset(ctx))
		return nil

	case "bootloader":
		if err := need(args, 1); err != nil {
			return err
		}
		switch args[0] {
		case "enter":
			return h.EnterBootloader(ctx)
		case "leave":
			return h.LeaveBootloader(ctx)
		}
		return errors.Errorf("bootloader: want enter or leave, got %q", args[0])

	case "diag":
		if err := need(args, 1); err != nil {
			return err
		}
		on, err := onOff(args[0])
		if err != nil {
			return err
		}
		return h.SetDiagCapture(ctx, on)

	case "dump":
		d := h.LastDump()
		if d.At.IsZero() {
			fmt.Fprintln(c.out, "no dump captured")
			return nil
		}
		fmt.Fprintf(c.out, "dump at %s\n", d.At.UTC().Format(time.RFC3339))
		for i, v := range d.Backup {
			fmt.Fprintf(c.out, "  backup[%02d]=0x%08X\n", i, v)
		}
		fmt.Fprintf(c.out, "  exception % x\n", d.Exception)
		return nil

	case "logmask", "loglevel":
		get, set := h.LogMask, h.SetLogMask
		if cmd == "loglevel" {
			get, set = h.LogLevel, h.SetLogLevel
		}
		if len(args) == 0 {
			v, err := get(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s=0x%08X\n", cmd, v)
			return nil
		}
		v, err := strconv.ParseUint(args[0], 0, 32)
		if err != nil {
			return errors.Wrap(err, cmd)
		}
		return set(ctx, uint32(v))

	case "logsize":
		size, dropped, err := h.LogSize(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "size=%d dropped=%d\n", size, dropped)
		return nil

	case "display", "facedown", "powerkey":
		if err := need(args, 1); err != nil {
			return err
		}
		on, err := onOff(args[0])
		if err != nil {
			return err
		}
		switch cmd {
		case "display":
			return h.SetDisplay(ctx, on)
		case "facedown":
			h.SetFacedown(on)
		default:
			h.SetPowerKeyPressed(on)
		}
		return nil

	case "suspend":
		h.Suspend()
		return nil

	case "resume":
		h.Resume()
		return nil

	case "time":
		t, err := h.McuTime(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "mcu_time=%d\n", t)
		return nil

	case "version":
		v, err := h.FirmwareVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, v)
		return nil

	case "calib":
		if err := need(args, 1); err != nil {
			return err
		}
		f, err := calib.ParseFamily(args[0])
		if err != nil {
			return err
		}
		if len(args) == 1 {
			b, err := h.CalibrationData(ctx, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s: % x\n", f, b)
			return nil
		}
		data, err := parseBytes(args[1:])
		if err != nil {
			return err
		}
		return h.SetCalibration(ctx, f, data)

	case "placement":
		if err := need(args, 3); err != nil {
			return err
		}
		b, err := parseBytes(args)
		if err != nil {
			return err
		}
		return h.SetPlacement(ctx, calib.Placement{Accel: b[0], Compass: b[1], Gyro: b[2]})
	}
	return errors.Errorf("unknown command %q (try help)", cmd)
}

func need(args []string, n int) error {
	if len(args) < n {
		return errors.Errorf("want %d arguments, got %d", n, len(args))
	}
	return nil
}

func onOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "1", "true", "enable":
		return true, nil
	case "off", "0", "false", "disable":
		return false, nil
	}
	return false, errors.Errorf("want on or off, got %q", s)
}

func parseByte(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, errors.Wrapf(err, "byte %q", s)
	}
	return byte(v), nil
}

func parseBytes(args []string) ([]byte, error) {
	out := make([]byte, 0, len(args))
	for _, a := range args {
		b, err := parseByte(a)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
