package drivers

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/pkg/errors"

	"github.com/hubertat/mcpkit/drivers/mcp23017"
)

const influxSinkName string = "influx"
const defaultInfluxMeasurement = "mcp_pin"
const influxWriteTimeout = 3 * time.Second

// InfluxSink stores every pin change as a point.
type InfluxSink struct {
	Host         string
	Organization string
	Bucket       string
	Measurement  string
	Token        string

	client   influxdb2.Client
	writeApi api.WriteAPIBlocking
	ready    bool
	logger   *log.Logger
}

func (is *InfluxSink) Setup() error {
	if len(is.Host) == 0 || len(is.Bucket) == 0 {
		return errors.New("influx Host and Bucket are required")
	}
	if len(is.Measurement) == 0 {
		is.Measurement = defaultInfluxMeasurement
	}

	is.client = influxdb2.NewClient(is.Host, is.Token)
	is.writeApi = is.client.WriteAPIBlocking(is.Organization, is.Bucket)
	is.logger = log.NewWithOptions(os.Stderr, log.Options{
		Prefix: "InfluxSink: ",
		Level:  log.GetLevel(),
	})

	is.ready = true
	return nil
}

func (is *InfluxSink) Name() string {
	return influxSinkName
}

func (is *InfluxSink) IsReady() bool {
	return is.ready
}

func (is *InfluxSink) preparePoints(port string, names map[int]string, changes mcp23017.ChangeSet, ts time.Time) (points []*write.Point) {
	for _, pin := range changes.Pins() {
		tags := map[string]string{
			"port": port,
			"pin":  strconv.Itoa(pin),
		}
		if name, ok := names[pin]; ok {
			tags["name"] = name
		}
		points = append(points, influxdb2.NewPoint(is.Measurement, tags, map[string]interface{}{"state": changes[pin]}, ts))
	}
	return
}

// WriteChanges writes one point per changed pin, names map pins to their configured names.
func (is *InfluxSink) WriteChanges(port string, names map[int]string, changes mcp23017.ChangeSet) error {
	if !is.ready {
		return errors.New("influx sink not ready")
	}

	ctx, cancel := context.WithTimeout(context.Background(), influxWriteTimeout)
	defer cancel()

	points := is.preparePoints(port, names, changes, time.Now())
	err := is.writeApi.WritePoint(ctx, points...)
	if err != nil {
		return errors.Wrapf(err, "failed to write %d points to influx", len(points))
	}

	is.logger.Debug("changes written", "port", port, "points", len(points))
	return nil
}

func (is *InfluxSink) Close() error {
	if is.client != nil {
		is.client.Close()
	}
	is.ready = false
	return nil
}
