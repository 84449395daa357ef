package manifest

// StreamEvent scopes a stream to a set of events with optional conditions.
// Conditions are maps of event input path -> predicate expression, evaluated
// post-decode (see the processor's condition language).
type StreamEvent struct {
	EventName  string              `yaml:"event_name"`
	Conditions []map[string]string `yaml:"conditions,omitempty"`
}

type WebhookStreamConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	SharedSecret string        `yaml:"shared_secret"`
	Events       []StreamEvent `yaml:"events,omitempty"`
}

type KafkaStreamConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	Key          string        `yaml:"key,omitempty"`
	SecurityUser string        `yaml:"security_user,omitempty"`
	SecurityPass string        `yaml:"security_pass,omitempty"`
	AcksRequired int           `yaml:"acks,omitempty"`
	Events       []StreamEvent `yaml:"events,omitempty"`
}

type RabbitMQStreamConfig struct {
	URL        string        `yaml:"url"`
	Exchange   string        `yaml:"exchange"`
	RoutingKey string        `yaml:"routing_key"`
	Events     []StreamEvent `yaml:"events,omitempty"`
}

type SNSStreamConfig struct {
	TopicARN string        `yaml:"topic_arn"`
	Region   string        `yaml:"region,omitempty"`
	Events   []StreamEvent `yaml:"events,omitempty"`
}

type SQSStreamConfig struct {
	QueueURL string        `yaml:"queue_url"`
	Region   string        `yaml:"region,omitempty"`
	Events   []StreamEvent `yaml:"events,omitempty"`
}

type RedisStreamConfig struct {
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password,omitempty"`
	DB         int           `yaml:"db,omitempty"`
	StreamName string        `yaml:"stream_name"`
	Events     []StreamEvent `yaml:"events,omitempty"`
}

type StreamsConfig struct {
	Webhooks []WebhookStreamConfig  `yaml:"webhooks,omitempty"`
	Kafka    []KafkaStreamConfig    `yaml:"kafka,omitempty"`
	RabbitMQ []RabbitMQStreamConfig `yaml:"rabbitmq,omitempty"`
	SNS      []SNSStreamConfig      `yaml:"sns,omitempty"`
	SQS      []SQSStreamConfig      `yaml:"sqs,omitempty"`
	Redis    []RedisStreamConfig    `yaml:"redis,omitempty"`
}
