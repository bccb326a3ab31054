// Package gateway is the field side of the bridge: it polls Modbus meters,
// publishes their registers as telemetry and applies control messages to
// the output registers.
package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"modbus-bridge/internal/bridge"
	"modbus-bridge/internal/config"
	"modbus-bridge/internal/model"
	"modbus-bridge/internal/transport"
	"modbus-bridge/internal/utils"
)

// Gateway runs one poller per configured slave and a single control
// subscription shared by all of them.
type Gateway struct {
	Cfg    config.Config
	Client transport.Client
	Logger *zap.Logger

	slaves map[int64]*slave
	cache  *utils.RegisterCache
}

// TelemetryPrefix derives the publish prefix from a subscription pattern
// such as telemetry/slave/+.
func TelemetryPrefix(pattern string) string {
	return strings.TrimSuffix(strings.TrimSuffix(pattern, "#"), "+")
}

func (g *Gateway) init() error {
	logger := g.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	g.Logger = logger.Named("gateway")
	g.cache = utils.NewRegisterCache(g.Cfg.Gateway.CacheTTL)
	g.slaves = make(map[int64]*slave, len(g.Cfg.Gateway.Slaves))
	for _, sc := range g.Cfg.Gateway.Slaves {
		if _, dup := g.slaves[int64(sc.SlaveID)]; dup {
			return fmt.Errorf("duplicate slave id %d", sc.SlaveID)
		}
		s, err := newSlave(sc, g.Logger)
		if err != nil {
			return err
		}
		g.slaves[int64(sc.SlaveID)] = s
	}
	return nil
}

// Run polls until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.init(); err != nil {
		return err
	}
	defer func() {
		for _, s := range g.slaves {
			s.close()
		}
	}()

	qos := transport.QoS(g.Cfg.MQTT.QoS)
	pattern := strings.TrimSuffix(g.Cfg.MQTT.ControlPrefix, "/") + "/+"
	if err := g.Client.Subscribe(ctx, pattern, qos, g.HandleControl); err != nil {
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	g.Logger.Info("listening for commands", zap.String("topic", pattern), zap.Int("slaves", len(g.slaves)))

	var wg sync.WaitGroup
	for id, s := range g.slaves {
		wg.Add(1)
		go func(id int64, s *slave) {
			defer wg.Done()
			g.poll(ctx, id, s, qos)
		}(id, s)
	}

	<-ctx.Done()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		g.Logger.Warn("timeout waiting for pollers to stop")
	}
	return nil
}

func (g *Gateway) poll(ctx context.Context, id int64, s *slave, qos transport.QoS) {
	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = g.Cfg.Gateway.PollInterval
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Immediate first run
	g.PollOnce(ctx, id, qos)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.PollOnce(ctx, id, qos)
		}
	}
}

// PollOnce reads one slave and publishes its registers. Failures are
// logged; the next poll tries again.
func (g *Gateway) PollOnce(ctx context.Context, id int64, qos transport.QoS) {
	s, ok := g.slaves[id]
	if !ok {
		return
	}
	regs, err := s.read()
	if err != nil {
		s.logger.Warn("poll failed", zap.Error(err))
		return
	}
	for _, reg := range []int{model.RegOutput0, model.RegOutput1} {
		g.cache.Set(utils.RegisterKey{Slave: s.cfg.SlaveID, Register: uint16(reg)}, uint16(regs[reg]))
	}
	payload, err := bridge.EncodeTelemetry(id, regs)
	if err != nil {
		s.logger.Error("encode telemetry", zap.Error(err))
		return
	}
	topic := TelemetryPrefix(g.Cfg.MQTT.TelemetryTopic) + strconv.FormatInt(id, 10)
	if err := g.Client.Publish(ctx, topic, payload, qos, false); err != nil {
		s.logger.Warn("publish telemetry failed", zap.String("topic", topic), zap.Error(err))
	}
}

// HandleControl applies a control message to the addressed slave. Outputs
// already in the requested state are not rewritten.
func (g *Gateway) HandleControl(ctx context.Context, msg transport.Message) {
	id, err := strconv.ParseInt(transport.LastLevel(msg.Topic), 10, 64)
	if err != nil {
		g.Logger.Warn("control topic without slave id", zap.String("topic", msg.Topic))
		return
	}
	s, ok := g.slaves[id]
	if !ok {
		g.Logger.Debug("control for unknown slave", zap.Int64("slave_id", id))
		return
	}
	ctrl, err := bridge.DecodeControl(msg.Payload)
	if err != nil {
		s.logger.Warn("malformed control dropped", zap.Error(err))
		return
	}

	for _, w := range []struct {
		reg   int
		value int
	}{
		{model.RegOutput0, ctrl.Device0},
		{model.RegOutput1, ctrl.Device1},
	} {
		key := utils.RegisterKey{Slave: s.cfg.SlaveID, Register: uint16(w.reg)}
		if g.cache.Unchanged(key, uint16(w.value)) {
			continue
		}
		if err := s.write(uint16(w.reg), uint16(w.value)); err != nil {
			g.cache.Forget(key)
			s.logger.Error("apply command failed", zap.Int("register", w.reg), zap.Error(err))
			continue
		}
		g.cache.Set(key, uint16(w.value))
		s.logger.Info("output set", zap.Int("register", w.reg), zap.Int("value", w.value), zap.Bool("retained", msg.Retained))
	}
}
