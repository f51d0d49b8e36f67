package session

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		n := sl.Current().Interface().(NodeConfig)
		if n.User == "" && !n.IsLocal() {
			sl.ReportError(n.User, "User", "user", "required_remote", "")
		}
	}, NodeConfig{})
	return v
}

// NodeConfig is an execution node of the session
type NodeConfig struct {
	Name     string `mapstructure:"name" validate:"required"`
	// User is required unless the node IsLocal
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSHPort  int    `mapstructure:"ssh_port" validate:"omitempty,min=1,max=65535"`
	// Local runs the jobs of the node as local processes
	Local bool `mapstructure:"local"`
}

func (n NodeConfig) Validate() error {
	if err := validate.Struct(n); err != nil {
		return fmt.Errorf("node %q: %w", n.Name, err)
	}
	return nil
}

// IsLocal reports if the node is the local machine
func (n NodeConfig) IsLocal() bool {
	switch n.Name {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return n.Local
}

// Address is the ssh address of the node
func (n NodeConfig) Address() string {
	if n.SSHPort == 0 {
		return n.Name
	}
	return net.JoinHostPort(n.Name, strconv.Itoa(n.SSHPort))
}

// ValidateNodes checks every node, node names must be unique
func ValidateNodes(nodes []NodeConfig) error {
	var errs []error
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if err := n.Validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[n.Name] {
			errs = append(errs, fmt.Errorf("node %q: duplicate name", n.Name))
		}
		seen[n.Name] = true
	}
	return errors.Join(errs...)
}
