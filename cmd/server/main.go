package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/status-alerting/internal/broker"
	"github.com/t77yq/status-alerting/internal/condition"
	"github.com/t77yq/status-alerting/internal/engine"
	"github.com/t77yq/status-alerting/internal/model"
	"github.com/t77yq/status-alerting/internal/monitor"
	"github.com/t77yq/status-alerting/internal/notify"
	"github.com/t77yq/status-alerting/internal/relay"
	"github.com/t77yq/status-alerting/internal/remediate"
	"github.com/t77yq/status-alerting/internal/schedule"
	"github.com/t77yq/status-alerting/internal/storage"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.SetDefault("broker.sweep_tick", 5*time.Second)
	viper.SetDefault("engine.tick_interval", 30*time.Second)
	viper.SetDefault("sampler.interval", 15*time.Second)
	viper.SetDefault("history.path", "alert_history.db")
	viper.SetDefault("history.retention_days", 30)
	if err := viper.ReadInConfig(); err != nil {
		logger.Fatal("Failed to read config file", zap.Error(err))
	}

	// Connect to NATS with retry
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS connection error", zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(viper.GetString("nats.urls.0"), opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	// Event broker
	sched := schedule.NewWall()
	eventBroker := broker.New(logger, sched,
		broker.WithSweepTick(viper.GetDuration("broker.sweep_tick")))

	// Notification channels
	channels := []notify.Channel{notify.NewLogChannel(logger)}
	if viper.IsSet("channels.email.host") {
		channels = append(channels, notify.NewEmailChannel(logger, notify.EmailConfig{
			Host:     viper.GetString("channels.email.host"),
			Port:     viper.GetInt("channels.email.port"),
			Username: viper.GetString("channels.email.username"),
			Password: viper.GetString("channels.email.password"),
			From:     viper.GetString("channels.email.from"),
		}))
	}
	if url := viper.GetString("channels.webhook.url"); url != "" {
		channels = append(channels, notify.NewWebhookChannel(logger, url,
			viper.GetDuration("channels.webhook.timeout")))
	}
	natsChannel, err := notify.NewNATSChannel(logger, js)
	if err != nil {
		logger.Fatal("Failed to create NATS channel", zap.Error(err))
	}
	channels = append(channels, natsChannel)
	dispatcher := notify.NewDispatcher(logger, channels...)

	// Remediation
	remediations := remediate.NewRegistry(logger)
	if docker, err := remediate.NewDockerRemediator(logger); err != nil {
		logger.Warn("Docker remediation unavailable", zap.Error(err))
	} else {
		remediations.Register("restart_container", docker)
	}
	remediations.Register("run_command", remediate.NewShellRemediator(logger,
		viper.GetStringSlice("remediate.allowed_commands"),
		viper.GetDuration("remediate.command_timeout")))

	// Alert history storage
	history, err := storage.NewSQLiteAlertHistory(logger, viper.GetString("history.path"))
	if err != nil {
		logger.Fatal("Failed to create alert history storage", zap.Error(err))
	}
	defer history.Close()

	// Alert rule engine, subscribed to the broker in realtime
	alertEngine := engine.New(logger, sched, dispatcher,
		engine.WithHistory(history),
		engine.WithRemediator(remediations),
		engine.WithPublisher(eventBroker),
		engine.WithTickInterval(viper.GetDuration("engine.tick_interval")))
	if err := eventBroker.Subscribe(alertEngine.Subscription(), broker.Target{
		OnEvent: alertEngine.HandleEvent,
	}); err != nil {
		logger.Fatal("Failed to subscribe alert engine", zap.Error(err))
	}

	// Relay events to JetStream for external consumers
	eventRelay, err := relay.New(logger, js)
	if err != nil {
		logger.Fatal("Failed to create event relay", zap.Error(err))
	}
	relayTypes := []model.EventType{
		model.EventTaskStarted, model.EventTaskCompleted,
		model.EventTaskFailed, model.EventTaskCanceled,
		model.EventAgentOffline, model.EventAlertTriggered,
		model.EventAlertResolved,
	}
	if err := eventBroker.Subscribe(eventRelay.Subscription(relayTypes), eventRelay.Target()); err != nil {
		logger.Fatal("Failed to subscribe event relay", zap.Error(err))
	}

	// Built-in rules
	seedRules(logger, alertEngine)

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// System metrics producer
	sampler := monitor.NewSampler(eventBroker, viper.GetDuration("sampler.interval"), logger)
	sampler.Start(ctx)

	// Maintenance jobs
	janitor := storage.NewJanitor(logger)
	retention := time.Duration(viper.GetInt("history.retention_days")) * 24 * time.Hour
	if err := janitor.AddJob("0 3 * * *", "prune-alert-history", func() {
		cutoff := time.Now().Add(-retention)
		if err := history.DeleteBefore(context.Background(), cutoff); err != nil {
			logger.Error("Failed to prune alert history", zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("Failed to register maintenance job", zap.Error(err))
	}
	if err := janitor.AddJob("*/10 * * * *", "prune-suppressions", func() {
		if removed := alertEngine.PruneSuppressions(); removed > 0 {
			logger.Info("Pruned expired suppression windows", zap.Int("removed", removed))
		}
	}); err != nil {
		logger.Fatal("Failed to register maintenance job", zap.Error(err))
	}
	janitor.Start()

	eventBroker.Publish(model.EventAuditAction, map[string]interface{}{
		"action": "server_started",
	}, broker.PublishOptions{Source: "server", Priority: model.PriorityLow})

	logger.Info("Status alerting server started",
		zap.String("nats_url", nc.ConnectedUrl()),
		zap.Int("channels", len(channels)),
		zap.Int("rules", len(alertEngine.Rules())))

	// Wait for shutdown signal
	<-ctx.Done()

	sampler.Stop()
	janitor.Stop()
	alertEngine.Close()
	eventBroker.Close()

	logger.Info("Server shutting down gracefully")
}

// seedRules registers the built-in alert rules: task failures, sustained
// high CPU, memory anomalies, and offline agents.
func seedRules(logger *zap.Logger, e *engine.Engine) {
	rules := []*model.AlertRule{
		{
			Name:              "Task failure",
			Category:          "tasks",
			Severity:          model.AlertSeverityError,
			Enabled:           true,
			Condition:         condition.NewPattern("error", condition.OpRegex, `.+`),
			TriggerEventTypes: []model.EventType{model.EventTaskFailed},
			Actions: model.RuleActions{
				Notify: model.NotifyAction{
					Channels: []string{"log", "nats"},
					Template: "Task failed: {{values.error}}",
				},
			},
			Cooldown: time.Minute,
		},
		{
			Name:     "Sustained high CPU",
			Category: "resources",
			Severity: model.AlertSeverityWarning,
			Enabled:  true,
			Condition: condition.NewAggregatedThreshold("cpu_usage",
				condition.OpGTE, 85, condition.AggAvg, 5*time.Minute),
			TriggerEventTypes: []model.EventType{model.EventSystemMetrics},
			Actions: model.RuleActions{
				Notify: model.NotifyAction{Channels: []string{"log", "nats"}},
				Escalate: &model.EscalateAction{
					Levels: []model.EscalationLevel{
						{After: 10 * time.Minute, Channels: []string{"log", "nats"}},
					},
				},
			},
			Cooldown: 5 * time.Minute,
		},
		{
			Name:              "Memory usage anomaly",
			Category:          "resources",
			Severity:          model.AlertSeverityWarning,
			Enabled:           true,
			Condition:         condition.NewAnomaly("memory_usage", 3, 30*time.Minute),
			TriggerEventTypes: []model.EventType{model.EventSystemMetrics},
			Actions: model.RuleActions{
				Notify: model.NotifyAction{Channels: []string{"log"}},
			},
			Cooldown: 10 * time.Minute,
		},
		{
			Name:              "Agent offline",
			Category:          "agents",
			Severity:          model.AlertSeverityCritical,
			Enabled:           true,
			Condition:         condition.NewPattern("agent_id", condition.OpRegex, `.+`),
			TriggerEventTypes: []model.EventType{model.EventAgentOffline},
			Actions: model.RuleActions{
				Notify: model.NotifyAction{Channels: []string{"log", "nats"}},
				Escalate: &model.EscalateAction{
					Levels: []model.EscalationLevel{
						{After: 5 * time.Minute, Channels: []string{"log", "nats"}},
						{After: 15 * time.Minute, Channels: []string{"log", "nats"}},
					},
				},
			},
			Cooldown: 2 * time.Minute,
		},
	}

	for _, rule := range rules {
		if err := e.RegisterRule(rule); err != nil {
			logger.Error("Failed to register built-in rule",
				zap.String("rule", rule.Name),
				zap.Error(err))
		}
	}
}
