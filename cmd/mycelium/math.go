package main

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/gezibash/mycelium/pkg/node"
	"github.com/gezibash/mycelium/pkg/stream"
)

// Functionality names of the demo math provider.
const (
	fnMultiply = "multiply"
	fnAdd      = "add"
	fnDivide   = "divide"
	fnStatus   = "get_status"
	fnSensor   = "sensor_stream"
)

type MathRequest struct {
	A int32 `json:"a"`
	B int32 `json:"b"`
}

type MathResponse struct {
	Result int32 `json:"result"`
}

type StatusInfo struct {
	StatusCode int32  `json:"status_code"`
	Message    string `json:"message"`
}

type SensorData struct {
	SensorID int32   `json:"sensor_id"`
	Value    float32 `json:"value"`
}

var errDivideByZero = errors.New("division by zero")

// mathProvider offers arithmetic, a status probe and a sensor stream.
func mathProvider(name string) node.Provider {
	return node.Provider{
		Name: name,
		Functionalities: []node.Offering{
			node.Serve(fnMultiply, func(_ context.Context, r MathRequest) (MathResponse, error) {
				return MathResponse{Result: r.A * r.B}, nil
			}),
			node.Serve(fnAdd, func(_ context.Context, r MathRequest) (MathResponse, error) {
				return MathResponse{Result: r.A + r.B}, nil
			}),
			node.Serve(fnDivide, func(_ context.Context, r MathRequest) (MathResponse, error) {
				if r.B == 0 {
					return MathResponse{}, errDivideByZero
				}
				return MathResponse{Result: r.A / r.B}, nil
			}),
			node.Answer(fnStatus, func(context.Context) (StatusInfo, error) {
				return StatusInfo{StatusCode: 200, Message: "OK"}, nil
			}),
			node.Stream[SensorData](fnSensor),
		},
	}
}

// mathConsumer requires everything mathProvider offers except the stream.
func mathConsumer(id string) node.Consumer {
	return node.Consumer{
		ID: id,
		Functionalities: []node.Requirement{
			node.Request[MathRequest, MathResponse](fnMultiply),
			node.Request[MathRequest, MathResponse](fnAdd),
			node.Request[MathRequest, MathResponse](fnDivide),
			node.Fetch[StatusInfo](fnStatus),
		},
	}
}

// publishSensor publishes a reading every interval until ctx is done.
func publishSensor(ctx context.Context, h stream.Handle, interval time.Duration) error {
	pub, err := stream.PublisherFor[SensorData](h, fnSensor)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var id int32
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := pub.Publish(ctx, SensorData{SensorID: id, Value: 20 + 5*rand.Float32()}); err != nil && ctx.Err() == nil {
				return err
			}
			id++
		}
	}
}
