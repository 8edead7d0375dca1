// Package transports imports every built-in transport for auto-registration.
package transports

import (
	// Side-effect registration with transport.DefaultRegistry.
	_ "github.com/drblury/policyflow/transport/aws"
	_ "github.com/drblury/policyflow/transport/channel"
	_ "github.com/drblury/policyflow/transport/jetstream"
	_ "github.com/drblury/policyflow/transport/kafka"
	_ "github.com/drblury/policyflow/transport/rabbitmq"
)
