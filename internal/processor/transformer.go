package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dop251/goja"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/config"
	"cdc-fanout/internal/models"
)

// ErrEventRejected is returned when a rule or script drops an event
var ErrEventRejected = errors.New("event rejected by transformer")

// Transformer decides which change events reach subscribers, and may
// rewrite them when a script returns a replacement event.
type Transformer struct {
	config   *config.ProcessorConfig
	logger   *logrus.Logger
	rules    []*RuleMatcher
	program  *goja.Program // compiled once, run on a fresh runtime per event
	natsConn *nats.Conn    // NATS connection for JavaScript bindings
}

// RuleMatcher matches events by table and action
type RuleMatcher struct {
	table   string
	actions map[models.Action]bool
}

// NewTransformer creates a new transformer with the given configuration
func NewTransformer(cfg *config.ProcessorConfig, logger *logrus.Logger, natsConn *nats.Conn) (*Transformer, error) {
	transformer := &Transformer{
		config:   cfg,
		logger:   logger,
		natsConn: natsConn,
	}
	if cfg == nil || !cfg.Enabled {
		return transformer, nil
	}

	if err := ValidateRules(cfg); err != nil {
		return nil, err
	}

	if cfg.Script != "" {
		scriptContent, err := os.ReadFile(cfg.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to read JavaScript script file: %w", err)
		}
		if err := transformer.loadScript(cfg.Script, string(scriptContent)); err != nil {
			return nil, err
		}
		logger.Infof("Loaded JavaScript filter script: %s", cfg.Script)
		return transformer, nil
	}

	for _, rule := range cfg.Rules {
		matcher := &RuleMatcher{
			table:   rule.Table,
			actions: make(map[models.Action]bool),
		}
		for _, name := range rule.Actions {
			action, _ := models.ParseAction(strings.ToUpper(name))
			matcher.actions[action] = true
		}
		transformer.rules = append(transformer.rules, matcher)
	}

	return transformer, nil
}

func (t *Transformer) loadScript(name, source string) error {
	program, err := goja.Compile(name, source, false)
	if err != nil {
		return fmt.Errorf("invalid JavaScript script: %w", err)
	}
	t.program = program

	// Make sure the script yields a function before accepting it.
	if _, _, err := t.callable(goja.New()); err != nil {
		t.program = nil
		return fmt.Errorf("invalid JavaScript script: %w", err)
	}
	return nil
}

// callable runs the script and returns the filter function. The script can
// evaluate to a function, or declare one named transform.
func (t *Transformer) callable(vm *goja.Runtime) (goja.Callable, *goja.Runtime, error) {
	result, err := vm.RunProgram(t.program)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to execute script: %w", err)
	}

	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			return fn, vm, nil
		}
	}

	transformVar := vm.Get("transform")
	if transformVar != nil && !goja.IsUndefined(transformVar) && !goja.IsNull(transformVar) {
		if fn, ok := goja.AssertFunction(transformVar); ok {
			return fn, vm, nil
		}
	}

	return nil, nil, fmt.Errorf("script must export a function (either anonymous function or named 'transform' function)")
}

// Transform returns the event to deliver, or ErrEventRejected
func (t *Transformer) Transform(event *models.ChangeEvent) (*models.ChangeEvent, error) {
	if t.config == nil || !t.config.Enabled {
		return event, nil
	}

	// A script takes precedence over rules.
	if t.program != nil {
		return t.transformWithJavaScript(event)
	}

	if len(t.rules) > 0 {
		return t.transformWithRules(event)
	}

	return event, nil
}

func (t *Transformer) transformWithJavaScript(event *models.ChangeEvent) (*models.ChangeEvent, error) {
	eventJSON, err := event.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event to JSON: %w", err)
	}

	t.logger.Debugf("Filtering event with JavaScript: %s", event)

	// goja.Runtime is not thread-safe
	vm := goja.New()

	if err := t.setupConsoleBindings(vm); err != nil {
		return nil, fmt.Errorf("failed to setup console bindings: %w", err)
	}
	if t.natsConn != nil {
		if err := t.setupNATSBindings(vm); err != nil {
			return nil, fmt.Errorf("failed to setup NATS bindings: %w", err)
		}
	}

	fn, vm, err := t.callable(vm)
	if err != nil {
		return nil, err
	}

	var parsed interface{}
	if err := json.Unmarshal(eventJSON, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse event JSON: %w", err)
	}

	result, err := fn(goja.Undefined(), vm.ToValue(parsed))
	if err != nil {
		return nil, fmt.Errorf("JavaScript filter function error: %w", err)
	}

	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, ErrEventRejected
	}

	switch v := result.Export().(type) {
	case bool:
		if !v {
			return nil, ErrEventRejected
		}
		return event, nil
	case map[string]interface{}:
		resultJSON, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		transformed, err := models.Parse(resultJSON)
		if err != nil {
			return nil, fmt.Errorf("script returned an invalid event: %w", err)
		}
		t.logger.Debugf("JavaScript filter result: %s", transformed)
		return transformed, nil
	default:
		return nil, fmt.Errorf("script returned %T, want boolean, null or event object", v)
	}
}

func (t *Transformer) transformWithRules(event *models.ChangeEvent) (*models.ChangeEvent, error) {
	for _, rule := range t.rules {
		if rule.matches(event.Table, event.Action) {
			return event, nil
		}
	}
	return nil, ErrEventRejected
}

// matches checks the table (empty = all tables) and action (none = all)
func (r *RuleMatcher) matches(table string, action models.Action) bool {
	if r.table != "" && !strings.EqualFold(r.table, table) {
		return false
	}
	if len(r.actions) > 0 && !r.actions[action] {
		return false
	}
	return true
}

// setupConsoleBindings sets up console JavaScript bindings in the VM
func (t *Transformer) setupConsoleBindings(vm *goja.Runtime) error {
	consoleObj := vm.NewObject()

	formatArgs := func(call goja.FunctionCall) string {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		return fmt.Sprint(args...)
	}

	levels := map[string]logrus.Level{
		"log":   logrus.InfoLevel,
		"info":  logrus.InfoLevel,
		"warn":  logrus.WarnLevel,
		"error": logrus.ErrorLevel,
		"debug": logrus.DebugLevel,
	}
	for name, level := range levels {
		fn := func(call goja.FunctionCall) goja.Value {
			t.logger.WithField("source", "script").Log(level, formatArgs(call))
			return goja.Undefined()
		}
		if err := consoleObj.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set console.%s: %w", name, err)
		}
	}

	if err := vm.Set("console", consoleObj); err != nil {
		return fmt.Errorf("failed to set console object: %w", err)
	}
	return nil
}

// setupNATSBindings exposes nats.publish and the nats.kv helpers
func (t *Transformer) setupNATSBindings(vm *goja.Runtime) error {
	natsObj := vm.NewObject()

	toBytes := func(fn string, v goja.Value) []byte {
		if goja.IsUndefined(v) || goja.IsNull(v) {
			panic(vm.NewTypeError("%s: data is required", fn))
		}
		switch exported := v.Export().(type) {
		case string:
			return []byte(exported)
		case []byte:
			return exported
		default:
			data, err := json.Marshal(exported)
			if err != nil {
				panic(vm.NewTypeError("%s: failed to marshal data: %v", fn, err))
			}
			return data
		}
	}

	publishFn := func(call goja.FunctionCall) goja.Value {
		subject := call.Argument(0).String()
		if subject == "" {
			panic(vm.NewTypeError("nats.publish: subject is required"))
		}
		if err := t.natsConn.Publish(subject, toBytes("nats.publish", call.Argument(1))); err != nil {
			t.logger.Errorf("NATS publish error: %v", err)
			panic(vm.NewGoError(err))
		}
		t.logger.Debugf("Published to NATS subject: %s", subject)
		return goja.Undefined()
	}
	if err := natsObj.Set("publish", publishFn); err != nil {
		return fmt.Errorf("failed to set publish function: %w", err)
	}

	getKVStore := func(bucket string) nats.KeyValue {
		js, err := t.natsConn.JetStream()
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("failed to get JetStream context: %w", err)))
		}
		kv, err := js.KeyValue(bucket)
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("failed to get KV store '%s': %w", bucket, err)))
		}
		return kv
	}
	bucketKey := func(fn string, call goja.FunctionCall) (string, string) {
		bucket, key := call.Argument(0).String(), call.Argument(1).String()
		if bucket == "" || key == "" {
			panic(vm.NewTypeError("%s: bucket and key are required", fn))
		}
		return bucket, key
	}

	kvObj := vm.NewObject()
	kvGetFn := func(call goja.FunctionCall) goja.Value {
		bucket, key := bucketKey("nats.kv.get", call)
		entry, err := getKVStore(bucket).Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			return goja.Null()
		}
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(string(entry.Value()))
	}
	kvPutFn := func(call goja.FunctionCall) goja.Value {
		bucket, key := bucketKey("nats.kv.put", call)
		if _, err := getKVStore(bucket).Put(key, toBytes("nats.kv.put", call.Argument(2))); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	}
	kvDeleteFn := func(call goja.FunctionCall) goja.Value {
		bucket, key := bucketKey("nats.kv.delete", call)
		if err := getKVStore(bucket).Delete(key); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	}
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"get":    kvGetFn,
		"put":    kvPutFn,
		"delete": kvDeleteFn,
	} {
		if err := kvObj.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set KV %s function: %w", name, err)
		}
	}
	if err := natsObj.Set("kv", kvObj); err != nil {
		return fmt.Errorf("failed to set KV object: %w", err)
	}

	if err := vm.Set("nats", natsObj); err != nil {
		return fmt.Errorf("failed to set nats object: %w", err)
	}
	return nil
}

// ValidateRules validates processor configuration rules
func ValidateRules(cfg *config.ProcessorConfig) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	if cfg.Script != "" {
		if _, err := os.Stat(cfg.Script); os.IsNotExist(err) {
			return fmt.Errorf("JavaScript script file not found: %s", cfg.Script)
		}
	}

	if cfg.Script != "" && len(cfg.Rules) > 0 {
		return fmt.Errorf("cannot specify both 'script' and 'rules' - script takes precedence")
	}

	for i, rule := range cfg.Rules {
		for _, name := range rule.Actions {
			if _, err := models.ParseAction(strings.ToUpper(name)); err != nil {
				return fmt.Errorf("processor rule %d: %w", i, err)
			}
		}
	}

	return nil
}
