package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
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
	errorsFeed       int64
	errorsBook       int64
	errorsCandle     int64
	warnsFeed        int64
	warnsBook        int64
	warnsCandle      int64
	framesRead       int64
	framesDropped    int64
	decodeErrors     int64
	reconnects       int64
	bookUpdates      int64
	candlesCompleted int64
	channels         sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	switch {
	case strings.Contains(component, "feed"):
		atomic.AddInt64(&warnsFeed, 1)
	case strings.Contains(component, "book"):
		atomic.AddInt64(&warnsBook, 1)
	case strings.Contains(component, "candle"):
		atomic.AddInt64(&warnsCandle, 1)
	}
}

func recordError(component string) {
	switch {
	case strings.Contains(component, "feed"):
		atomic.AddInt64(&errorsFeed, 1)
	case strings.Contains(component, "book"):
		atomic.AddInt64(&errorsBook, 1)
	case strings.Contains(component, "candle"):
		atomic.AddInt64(&errorsCandle, 1)
	}
}

// IncrementFrameRead counts one websocket frame pulled off the socket.
func IncrementFrameRead(size int) {
	atomic.AddInt64(&framesRead, 1)
	recordChannel("feed_ws", size)
}

// IncrementFrameDropped counts one frame lost to queue backpressure.
func IncrementFrameDropped() {
	atomic.AddInt64(&framesDropped, 1)
}

// IncrementDecodeError counts one malformed frame dropped by the processor.
func IncrementDecodeError() {
	atomic.AddInt64(&decodeErrors, 1)
}

// IncrementReconnect counts one reconnection attempt.
func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

// IncrementBookUpdate counts one applied orderbook mutation.
func IncrementBookUpdate() {
	atomic.AddInt64(&bookUpdates, 1)
}

// IncrementCandleCompleted counts one completed candle pushed to the store.
func IncrementCandleCompleted() {
	atomic.AddInt64(&candlesCompleted, 1)
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

func startReport(ctx context.Context, log *Log, interval time.Duration) {
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

// StartReport begins periodic logging of system and pipeline statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
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

	fields := Fields{
		"errors_feed":       atomic.LoadInt64(&errorsFeed),
		"errors_book":       atomic.LoadInt64(&errorsBook),
		"errors_candle":     atomic.LoadInt64(&errorsCandle),
		"warns_feed":        atomic.LoadInt64(&warnsFeed),
		"warns_book":        atomic.LoadInt64(&warnsBook),
		"warns_candle":      atomic.LoadInt64(&warnsCandle),
		"frames_read":       atomic.LoadInt64(&framesRead),
		"frames_dropped":    atomic.LoadInt64(&framesDropped),
		"decode_errors":     atomic.LoadInt64(&decodeErrors),
		"reconnects":        atomic.LoadInt64(&reconnects),
		"book_updates":      atomic.LoadInt64(&bookUpdates),
		"candles_completed": atomic.LoadInt64(&candlesCompleted),
		"goroutines":        runtime.NumGoroutine(),
		"cpu_percent":       cpuPct,
		"memory_mb":         int64(memStats.Used) / 1024 / 1024,
		"disk_mb":           int64(diskStats.Used) / 1024 / 1024,
		"channels":          channelData,
		"net_bytes_sent":    int64(bytesSent),
		"net_bytes_recv":    int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Feed-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("Feed-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Feed-FramesRead"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["frames_read"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Feed-FramesDropped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["frames_dropped"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Feed-DecodeErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["decode_errors"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Feed-Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["reconnects"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Feed-BookUpdates"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["book_updates"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Feed-CandlesCompleted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["candles_completed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Feed-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("Feed-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Feed-ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Feed-ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
