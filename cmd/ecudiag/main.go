package main

import (
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"ecudiag/pkg/async"
	"ecudiag/pkg/can"
	"ecudiag/pkg/docan"
	"ecudiag/pkg/lifecycle"
	"ecudiag/pkg/nvstorage"
	"ecudiag/pkg/transport"
	"ecudiag/pkg/uds"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// Demo ECU: one CAN bus, the DoCAN transport layer and a UDS
// dispatcher with a sample job tree, sequenced by the lifecycle
// manager.

const (
	contextTransport async.ContextType = 0
	contextUds       async.ContextType = 1
	contextLifecycle async.ContextType = 2
	contextCount                       = 3
)

const (
	busID              = 0
	sessionBlock       = nvstorage.BlockID(0x0010)
	serialNumberDID    = uint16(0xF18C)
	activeSessionDID   = uint16(0xF186)
	softwareVersionDID = uint16(0xF195)
	potValueDID        = uint16(0x0100)
)

var startTime = time.Now()

func nowUs() uint32 {
	return uint32(time.Since(startTime).Microseconds())
}

func main() {
	configPath := flag.String("config", "", "path to ini configuration")
	canInterface := flag.String("interface", "virtual", "CAN interface type (virtual, socketcan)")
	channel := flag.String("channel", "ecu0", "CAN channel name")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	params := defaultParameters()
	if *configPath != "" {
		loaded, err := docan.LoadParameters(*configPath, nowUs)
		if err != nil {
			log.Fatalf("configuration error : %v", err)
		}
		params = loaded
	}

	bus, err := can.NewBus(*canInterface, *channel)
	if err != nil {
		log.Fatalf("bus creation failed : %v", err)
	}
	if err := bus.Connect(); err != nil {
		log.Fatalf("bus connect failed : %v", err)
	}

	executor := async.NewSerialExecutor(contextCount)

	routes := []docan.AddressingEntry{
		{CanRxID: 0x6F1, CanTxID: 0x6F9, SourceID: 0xF1, TargetID: 0x10, RxCodecIdx: 0, TxCodecIdx: 0},
	}
	if *configPath != "" {
		if loaded, err := loadRoutes(*configPath); err != nil {
			log.Fatalf("configuration error : %v", err)
		} else if len(loaded) > 0 {
			routes = loaded
		}
	}

	codec := docan.NewCodec(docan.PaddedClassic)
	filter := docan.NewAddressingFilter(routes, []*docan.Codec{codec})
	transceiver := docan.NewPhysicalTransceiver(busID, bus, filter)

	messagePool := transport.NewMessagePool(8, 4095)
	responsePool := transport.NewMessagePool(4, 4095)

	tickGen := newTickGenerator(executor)
	layer := docan.NewTransportLayer(busID, filter, transceiver, tickGen, params, messagePool, nil, 4, 4)
	tickGen.layer = layer
	container := docan.NewTransportLayerContainer(layer)

	store := nvstorage.NewMemoryStore(executor, contextUds)
	persistence := uds.NewEepromSessionPersistence(store, sessionBlock)

	manager := lifecycle.NewManager(executor, contextLifecycle, func() uint32 { return nowUs() / 1000 }, 8, 3)
	connector := &udsLifecycleConnector{manager: manager}

	sessionManager := uds.NewDiagnosticSessionControl(executor, contextUds, connector, persistence)
	dispatcher := uds.NewDispatcher(busID, layer, sessionManager, responsePool)
	sessionManager.SetDispatcher(dispatcher)
	layer.SetMessageListener(dispatcher)

	buildJobTree(dispatcher, sessionManager, connector, store)

	transportComponent := newTransportComponent(container, executor)
	udsComponent := newUdsComponent(sessionManager)
	manager.AddComponent("transport", transportComponent, 1)
	manager.AddComponent("uds", udsComponent, 2)

	manager.AddListener(levelLogger{})
	manager.TransitionToLevel(2)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	log.Info("shutting down")
	manager.TransitionToLevel(0)
	transportComponent.WaitShutdown()
	executor.Shutdown()
	_ = bus.Disconnect()
}

func defaultParameters() *docan.Parameters {
	return docan.NewParameters(nowUs, 800, 1000, 100, 1000, 15, 15, 0, 0)
}

func loadRoutes(path string) ([]docan.AddressingEntry, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	var routes []docan.AddressingEntry
	for _, key := range cfg.Section("routes").Keys() {
		fields := key.Strings(",")
		if len(fields) != 4 {
			log.Warnf("ignoring malformed route %v", key.Name())
			continue
		}
		var values [4]uint64
		valid := true
		for i, field := range fields {
			value, err := strconv.ParseUint(field, 0, 32)
			if err != nil {
				log.Warnf("ignoring route %v : %v", key.Name(), err)
				valid = false
				break
			}
			values[i] = value
		}
		if !valid {
			continue
		}
		routes = append(routes, docan.AddressingEntry{
			CanRxID:  uint32(values[0]),
			CanTxID:  uint32(values[1]),
			SourceID: uint16(values[2]),
			TargetID: uint16(values[3]),
		})
	}
	return routes, nil
}

func buildJobTree(dispatcher *uds.Dispatcher, sessionManager *uds.DiagnosticSessionControl, connector uds.LifecycleConnector, store nvstorage.Store) {
	serialNumber := []byte("ECU-1A2B3C4D5E6F")
	softwareVersion := []byte{0x01, 0x04, 0x00}
	potValue := []byte{0x00, 0x00}
	potRef := potValue

	readData := uds.NewReadDataByIdentifier()
	readData.AddChild(uds.NewReadIdentifierFromMemory(serialNumberDID, serialNumber, uds.AllSessionMask))
	readData.AddChild(uds.NewReadIdentifierFromMemory(softwareVersionDID, softwareVersion, uds.AllSessionMask))
	readData.AddChild(uds.NewReadIdentifierFromSliceRef(potValueDID, &potRef, uds.AllSessionMask))
	readData.AddChild(uds.NewReadIdentifierFromNvStorage(activeSessionDID, store, sessionBlock, 1, uds.AllSessionMask))

	writeData := uds.NewWriteDataByIdentifier()
	writeData.AddChild(uds.NewWriteIdentifierToMemory(potValueDID, potValue, uds.ElevatedSessionMask))

	routineControl := uds.NewRoutineControl(
		uds.NewRoutineControlJob(0x0203, &blinkRoutine{}, uds.ElevatedSessionMask),
	)

	dtcSetting := uds.NewControlDTCSetting(nil)

	dispatcher.AddService(sessionManager.Service())
	dispatcher.AddService(uds.NewEcuReset(connector, 10))
	dispatcher.AddService(readData)
	dispatcher.AddService(writeData)
	dispatcher.AddService(routineControl)
	dispatcher.AddService(uds.NewTesterPresent())
	dispatcher.AddService(dtcSetting.Service())
}

// Sample routine toggling an indicator; reports its state through
// the injected logger rather than stdout.
type blinkRoutine struct {
	running bool
}

func (routine *blinkRoutine) Start(connection *uds.IncomingDiagConnection, options []byte) uds.DiagReturnCode {
	routine.running = true
	log.Infof("[ROUTINE] blink started, options %v", options)
	return uds.CodeOK
}

func (routine *blinkRoutine) Stop(connection *uds.IncomingDiagConnection, options []byte) uds.DiagReturnCode {
	routine.running = false
	log.Info("[ROUTINE] blink stopped")
	return uds.CodeOK
}

func (routine *blinkRoutine) RequestResults(connection *uds.IncomingDiagConnection, options []byte) uds.DiagReturnCode {
	state := byte(0x00)
	if routine.running {
		state = 0x01
	}
	connection.Response.AppendByte(state)
	return uds.CodeOK
}

// levelLogger prints completed level transitions
type levelLogger struct{}

func (levelLogger) LifecycleLevelReached(level uint8, transition lifecycle.Transition) {
	log.Infof("[LIFECYCLE] level %v reached (%v)", level, transition)
}
