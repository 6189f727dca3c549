package logcollection

import (
	"bufio"
	"io"
	"sync/atomic"
	"time"
)

const maxLineSize = 1024 * 1024

// streamCollector forwards process output lines to a structured logger
type streamCollector struct {
	logger     StructuredLogger
	totalLines int64 // atomic
}

// NewLogCollector creates a collector that logs stdout lines at info level
// and stderr lines at warn level
func NewLogCollector(logger StructuredLogger) LogCollector {
	return &streamCollector{logger: logger}
}

func (c *streamCollector) CollectFromStream(processID string, stream io.Reader, streamType StreamType) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		logger := c.logger.WithProcess(processID).WithFields(String("stream", string(streamType)))

		scanner := bufio.NewScanner(stream)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

		var lineNum int64
		for scanner.Scan() {
			lineNum++
			atomic.AddInt64(&c.totalLines, 1)
			c.processLogLine(logger, scanner.Text(), LogMetadata{
				Timestamp: time.Now(),
				ProcessID: processID,
				Stream:    streamType,
				LineNum:   lineNum,
			})
		}

		if err := scanner.Err(); err != nil {
			logger.WithError(err).LogWithFields(WarnLevel, "Process output collection interrupted")
		}
	}()

	return done
}

func (c *streamCollector) processLogLine(logger StructuredLogger, line string, metadata LogMetadata) {
	level := InfoLevel
	if metadata.Stream == StderrStream {
		level = WarnLevel
	}
	logger.LogWithFields(level, line, Int64("line", metadata.LineNum))
}
