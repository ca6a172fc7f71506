package app

// Transport registrations.
import (
	_ "message-router/internal/transport/aws"
	_ "message-router/internal/transport/gcp"
	_ "message-router/internal/transport/http"
	_ "message-router/internal/transport/kafka"
	_ "message-router/internal/transport/rabbitmq"
	_ "message-router/internal/transport/redis"
)
