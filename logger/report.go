package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsConnector int64
	errorsBroker    int64
	errorsSink      int64
	warnsConnector  int64
	warnsBroker     int64
	warnsSink       int64

	framesIngested   int64
	ticksPublished   int64
	depthPublished   int64
	queuePushes      int64
	fanoutDelivered  int64
	fanoutDropped    int64
	clientsConnected int64
	rowsInserted     int64
	reconnects       int64

	channels sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	switch {
	case strings.Contains(component, "connector"):
		atomic.AddInt64(&warnsConnector, 1)
	case strings.Contains(component, "broker"):
		atomic.AddInt64(&warnsBroker, 1)
	case strings.Contains(component, "sink") || strings.Contains(component, "writer"):
		atomic.AddInt64(&warnsSink, 1)
	}
}

func recordError(component string) {
	switch {
	case strings.Contains(component, "connector"):
		atomic.AddInt64(&errorsConnector, 1)
	case strings.Contains(component, "broker"):
		atomic.AddInt64(&errorsBroker, 1)
	case strings.Contains(component, "sink") || strings.Contains(component, "writer"):
		atomic.AddInt64(&errorsSink, 1)
	}
}

func IncrementFrameIngested(size int) {
	atomic.AddInt64(&framesIngested, 1)
	recordChannel("upstream_ws", size)
}

func IncrementTickPublished(size int) {
	atomic.AddInt64(&ticksPublished, 1)
	recordChannel("bus_trade", size)
}

func IncrementDepthPublished(size int) {
	atomic.AddInt64(&depthPublished, 1)
	recordChannel("bus_depth", size)
}

func IncrementQueuePush(size int) {
	atomic.AddInt64(&queuePushes, 1)
	recordChannel("durable_queue", size)
}

func IncrementFanoutDelivered(size int) {
	atomic.AddInt64(&fanoutDelivered, 1)
	recordChannel("client_ws", size)
}

func IncrementFanoutDropped() {
	atomic.AddInt64(&fanoutDropped, 1)
}

func IncrementRowInserted() {
	atomic.AddInt64(&rowsInserted, 1)
}

func IncrementReconnectCount() {
	atomic.AddInt64(&reconnects, 1)
}

func AddClientConnected(delta int64) {
	atomic.AddInt64(&clientsConnected, delta)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of system and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	memUsedMB := int64(0)
	if memStats != nil {
		memUsedMB = int64(memStats.Used) / 1024 / 1024
	}

	fields := Fields{
		"errors_connector":  atomic.LoadInt64(&errorsConnector),
		"errors_broker":     atomic.LoadInt64(&errorsBroker),
		"errors_sink":       atomic.LoadInt64(&errorsSink),
		"warns_connector":   atomic.LoadInt64(&warnsConnector),
		"warns_broker":      atomic.LoadInt64(&warnsBroker),
		"warns_sink":        atomic.LoadInt64(&warnsSink),
		"frames_ingested":   atomic.LoadInt64(&framesIngested),
		"ticks_published":   atomic.LoadInt64(&ticksPublished),
		"depth_published":   atomic.LoadInt64(&depthPublished),
		"queue_pushes":      atomic.LoadInt64(&queuePushes),
		"fanout_delivered":  atomic.LoadInt64(&fanoutDelivered),
		"fanout_dropped":    atomic.LoadInt64(&fanoutDropped),
		"clients_connected": atomic.LoadInt64(&clientsConnected),
		"rows_inserted":     atomic.LoadInt64(&rowsInserted),
		"reconnects":        atomic.LoadInt64(&reconnects),
		"goroutines":        runtime.NumGoroutine(),
		"cpu_percent":       cpuPct,
		"memory_mb":         memUsedMB,
		"net_bytes_sent":    int64(bytesSent),
		"net_bytes_recv":    int64(bytesRecv),
		"channels":          channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsedMB))},
		cwtypes.MetricDatum{MetricName: aws.String("FramesIngested"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&framesIngested)))},
		cwtypes.MetricDatum{MetricName: aws.String("TicksPublished"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&ticksPublished)))},
		cwtypes.MetricDatum{MetricName: aws.String("DepthPublished"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&depthPublished)))},
		cwtypes.MetricDatum{MetricName: aws.String("QueuePushes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&queuePushes)))},
		cwtypes.MetricDatum{MetricName: aws.String("FanoutDelivered"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&fanoutDelivered)))},
		cwtypes.MetricDatum{MetricName: aws.String("FanoutDropped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&fanoutDropped)))},
		cwtypes.MetricDatum{MetricName: aws.String("ClientsConnected"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&clientsConnected)))},
		cwtypes.MetricDatum{MetricName: aws.String("RowsInserted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&rowsInserted)))},
		cwtypes.MetricDatum{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&reconnects)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
