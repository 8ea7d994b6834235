package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/open-source-firmware/pqiemu/pkg/pqi/device"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/dma"
	"github.com/open-source-firmware/pqiemu/pkg/pqilog"
	"github.com/open-source-firmware/pqiemu/pkg/pqimetrics"
)

// context is the context struct kong passes to every command's Run method.
type context struct{}

// runCmd boots one emulated device instance and serves its control-plane
// test harness protocol over a Unix socket: newline-delimited register and
// guest-memory commands in place of a real PCIe bus, since this engine has
// no machine emulator to plug into.
type runCmd struct {
	Instance uint32 `flag:"" default:"0" help:"Device instance number, used in LUN backing-file names"`
	LUNs     int    `flag:"" name:"luns" default:"1" help:"Number of LUNs to create"`
	Size     uint32 `flag:"" default:"2048" help:"Size of each LUN in 512-byte blocks"`
	WDir     string `flag:"" name:"wdir" type:"writabledir" default:"." help:"Working directory for LUN backing files"`
	MemSize  uint64 `flag:"" default:"16777216" help:"Size of the emulated guest memory window in bytes"`
	Socket   string `flag:"" required:"" short:"s" help:"Unix socket path for the control-plane test harness"`
}

var cli struct {
	Run runCmd `cmd:"" help:"Run an emulated PQI/SOP device"`
}

type logSink struct{ log *pqilog.Logger }

func (s logSink) NotifyMSIX(vector uint32) { s.log.Dbg("MSI-X vector %d", vector) }
func (s logSink) NotifyMSI()               { s.log.Dbg("MSI raised") }
func (s logSink) PulseINTx()               { s.log.Dbg("INTx pulsed") }

func (r *runCmd) Run(_ *context) error {
	logger := pqilog.New(r.Instance)
	bridge := dma.NewGuestMemory(int(r.MemSize))
	dev := device.New(bridge, logSink{logger}, r.Instance, r.WDir)
	dev.SetLogger(logger)
	defer dev.Close()

	for i := 0; i < r.LUNs; i++ {
		if err := dev.AddLUN(byte(i), r.Size); err != nil {
			return fmt.Errorf("run: %w", err)
		}
	}
	logger.Norm("created %d LUN(s) of %d blocks each in %s", r.LUNs, r.Size, r.WDir)

	os.Remove(r.Socket)
	ln, err := net.Listen("unix", r.Socket)
	if err != nil {
		return fmt.Errorf("run: listen on %s: %w", r.Socket, err)
	}
	defer ln.Close()
	logger.Norm("listening on %s", r.Socket)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("run: accept: %w", err)
		}
		go serveConn(conn, dev, bridge, logger)
	}
}

// engineMu serializes every call into the device across connections, since
// device.Device is not safe for concurrent use.
var engineMu sync.Mutex

func serveConn(conn net.Conn, dev *device.Device, bridge *dma.GuestMemory, logger *pqilog.Logger) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.EqualFold(strings.TrimSpace(line), "METRICS") {
			snapshot := func() pqimetrics.Snapshot {
				engineMu.Lock()
				defer engineMu.Unlock()
				return dev.MetricsSnapshot()
			}
			if err := pqimetrics.WriteText(conn, snapshot); err != nil {
				logger.Err("write metrics: %v", err)
				return
			}
			if _, err := conn.Write([]byte("END\n")); err != nil {
				logger.Err("write reply: %v", err)
				return
			}
			continue
		}
		engineMu.Lock()
		reply := handleLine(dev, bridge, line)
		engineMu.Unlock()
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			logger.Err("write reply: %v", err)
			return
		}
	}
}

// handleLine implements the harness's line protocol:
//
//	WR <offsetHex> <width> <valueHex>  -> OK
//	RD <offsetHex> <width>             -> OK <valueHex>
//	MEMW <addrHex> <hexbytes>          -> OK
//	MEMR <addrHex> <len>               -> OK <hexbytes>
//	STATUS                             -> OK <state>
//	METRICS                            -> Prometheus text exposition, terminated by a line "END"
func handleLine(dev *device.Device, bridge *dma.GuestMemory, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR empty command"
	}
	switch strings.ToUpper(fields[0]) {
	case "WR":
		if len(fields) != 4 {
			return "ERR WR requires offset, width, value"
		}
		off, err1 := strconv.ParseInt(fields[1], 0, 64)
		width, err2 := strconv.Atoi(fields[2])
		val, err3 := strconv.ParseUint(fields[3], 0, 32)
		if err1 != nil || err2 != nil || err3 != nil {
			return "ERR malformed WR arguments"
		}
		if err := dev.WriteReg(int(off), uint32(val), width); err != nil {
			return fmt.Sprintf("ERR %v", err)
		}
		return "OK"

	case "RD":
		if len(fields) != 3 {
			return "ERR RD requires offset, width"
		}
		off, err1 := strconv.ParseInt(fields[1], 0, 64)
		width, err2 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil {
			return "ERR malformed RD arguments"
		}
		v, err := dev.ReadReg(int(off), width)
		if err != nil {
			return fmt.Sprintf("ERR %v", err)
		}
		return fmt.Sprintf("OK %#x", v)

	case "MEMW":
		if len(fields) != 3 {
			return "ERR MEMW requires address, hex bytes"
		}
		addr, err1 := strconv.ParseUint(fields[1], 0, 64)
		buf, err2 := hex.DecodeString(fields[2])
		if err1 != nil || err2 != nil {
			return "ERR malformed MEMW arguments"
		}
		if err := bridge.Write(addr, buf); err != nil {
			return fmt.Sprintf("ERR %v", err)
		}
		return "OK"

	case "MEMR":
		if len(fields) != 3 {
			return "ERR MEMR requires address, length"
		}
		addr, err1 := strconv.ParseUint(fields[1], 0, 64)
		n, err2 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil {
			return "ERR malformed MEMR arguments"
		}
		buf := make([]byte, n)
		if err := bridge.Read(addr, buf); err != nil {
			return fmt.Sprintf("ERR %v", err)
		}
		return "OK " + hex.EncodeToString(buf)

	case "STATUS":
		return "OK " + dev.Machine.State().String()

	default:
		return "ERR unknown command " + fields[0]
	}
}
