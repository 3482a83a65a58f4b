// Package namespace builds the topic and key names shared by the MQTT,
// Valkey and Kafka publishers so every service prefixes them the same way.
package namespace

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
	selector  string
}

// New creates a builder for namespace with an optional selector.
func New(namespace, selector string) *Builder {
	return &Builder{
		namespace: namespace,
		selector:  selector,
	}
}

// --- MQTT (delimiter: /) ---

// MQTTValueTopic returns {ns}[/{sel}]/{device}/values/{variable}
func (b *Builder) MQTTValueTopic(device, variable string) string {
	return b.mqttBase() + "/" + device + "/values/" + variable
}

// MQTTHealthTopic returns {ns}[/{sel}]/{device}/health
func (b *Builder) MQTTHealthTopic(device string) string {
	return b.mqttBase() + "/" + device + "/health"
}

// MQTTWriteTopic returns {ns}[/{sel}]/{device}/write
func (b *Builder) MQTTWriteTopic(device string) string {
	return b.mqttBase() + "/" + device + "/write"
}

// MQTTWriteResponseTopic returns {ns}[/{sel}]/{device}/write/response
func (b *Builder) MQTTWriteResponseTopic(device string) string {
	return b.mqttBase() + "/" + device + "/write/response"
}

// MQTTBase returns {ns}[/{sel}]
func (b *Builder) MQTTBase() string {
	return b.mqttBase()
}

func (b *Builder) mqttBase() string {
	if b.selector != "" {
		return b.namespace + "/" + b.selector
	}
	return b.namespace
}

// --- Valkey (delimiter: :) ---

// ValkeyValueKey returns {ns}[:{sel}]:{device}:values:{variable}
func (b *Builder) ValkeyValueKey(device, variable string) string {
	return b.valkeyBase() + ":" + device + ":values:" + variable
}

// ValkeyHealthKey returns {ns}[:{sel}]:{device}:health
func (b *Builder) ValkeyHealthKey(device string) string {
	return b.valkeyBase() + ":" + device + ":health"
}

// ValkeyChangesChannel returns {ns}[:{sel}]:{device}:changes
func (b *Builder) ValkeyChangesChannel(device string) string {
	return b.valkeyBase() + ":" + device + ":changes"
}

// ValkeyAllChangesChannel returns {ns}[:{sel}]:_all:changes
func (b *Builder) ValkeyAllChangesChannel() string {
	return b.valkeyBase() + ":_all:changes"
}

// ValkeyWriteQueue returns {ns}[:{sel}]:writes
func (b *Builder) ValkeyWriteQueue() string {
	return b.valkeyBase() + ":writes"
}

// ValkeyWriteResponseChannel returns {ns}[:{sel}]:write:responses
func (b *Builder) ValkeyWriteResponseChannel() string {
	return b.valkeyBase() + ":write:responses"
}

// ValkeyFactory returns {ns}[:{sel}], used as the source field of messages.
func (b *Builder) ValkeyFactory() string {
	return b.valkeyBase()
}

func (b *Builder) valkeyBase() string {
	if b.selector != "" {
		return b.namespace + ":" + b.selector
	}
	return b.namespace
}

// --- Kafka (delimiter: - for topics, . for health) ---

// KafkaValueTopic returns {ns}[-{sel}]
func (b *Builder) KafkaValueTopic() string {
	return b.kafkaBase()
}

// KafkaHealthTopic returns {ns}[-{sel}].health
func (b *Builder) KafkaHealthTopic() string {
	return b.kafkaBase() + ".health"
}

// KafkaWriteTopic returns {ns}[-{sel}]-writes
func (b *Builder) KafkaWriteTopic() string {
	return b.kafkaBase() + "-writes"
}

// KafkaWriteResponseTopic returns {ns}[-{sel}]-write-responses
func (b *Builder) KafkaWriteResponseTopic() string {
	return b.kafkaBase() + "-write-responses"
}

func (b *Builder) kafkaBase() string {
	if b.selector != "" {
		return b.namespace + "-" + b.selector
	}
	return b.namespace
}
