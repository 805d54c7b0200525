package rabbitmq

import (
	"time"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Kind       ExchangeKind
	Durable    bool
	AutoDelete bool
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name    string
	Durable bool
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Route is where a publish for a target goes
type Route struct {
	Exchange   string
	RoutingKey string
}

// Topology is the full set of entities behind one target
type Topology struct {
	Exchange ExchangeDeclaration
	Queue    QueueDeclaration
	Binding  Binding
}

// Route returns the exchange and key a publisher uses for this topology
func (t Topology) Route() Route {
	return Route{Exchange: t.Exchange.Name, RoutingKey: t.Binding.RoutingKey}
}

// NamingStrategy derives exchange names from target names. Both functions
// must be pure and must not map two different targets to the same name.
type NamingStrategy struct {
	Direct func(target string) string
	Fanout func(target string) string
}

// DefaultNaming suffixes the target with the exchange kind
var DefaultNaming = NamingStrategy{
	Direct: func(target string) string { return target + "." + string(ExchangeDirect) },
	Fanout: func(target string) string { return target + "." + string(ExchangeFanout) },
}

func (n NamingStrategy) withDefaults() NamingStrategy {
	if n.Direct == nil {
		n.Direct = DefaultNaming.Direct
	}
	if n.Fanout == nil {
		n.Fanout = DefaultNaming.Fanout
	}
	return n
}

// DirectTopology describes the entities behind a direct target. The binding
// key is the exchange name rather than the queue name, so the key stays
// unique per (queue, pattern) pair.
func (n NamingStrategy) DirectTopology(target string) Topology {
	exchange := n.withDefaults().Direct(target)
	return Topology{
		Exchange: ExchangeDeclaration{Name: exchange, Kind: ExchangeDirect},
		Queue:    QueueDeclaration{Name: target},
		Binding:  Binding{Queue: target, Exchange: exchange, RoutingKey: exchange},
	}
}

// FanoutTopology describes the entities behind a fanout target
func (n NamingStrategy) FanoutTopology(target string) Topology {
	exchange := n.withDefaults().Fanout(target)
	return Topology{
		Exchange: ExchangeDeclaration{Name: exchange, Kind: ExchangeFanout},
		Queue:    QueueDeclaration{Name: target},
		Binding:  Binding{Queue: target, Exchange: exchange},
	}
}

// TopologyBinder declares exchanges, queues and bindings. Every call is
// idempotent: the broker treats a redeclaration with equal parameters as a
// no-op, so callers re-ensure topology before every publish or consume.
type TopologyBinder struct {
	naming NamingStrategy
}

// NewTopologyBinder creates a binder using naming; zero fields fall back to
// DefaultNaming
func NewTopologyBinder(naming NamingStrategy) *TopologyBinder {
	return &TopologyBinder{naming: naming.withDefaults()}
}

// Naming returns the binder's naming strategy
func (tb *TopologyBinder) Naming() NamingStrategy {
	return tb.naming
}

// EnsureDirectTopology declares the direct exchange, queue and binding for target
func (tb *TopologyBinder) EnsureDirectTopology(ch Channel, target string) (Route, error) {
	if target == "" {
		return Route{}, ErrEmptyName
	}
	topology := tb.naming.DirectTopology(target)
	return topology.Route(), tb.declare(ch, topology)
}

// EnsureFanoutTopology declares the fanout exchange, queue and binding for target
func (tb *TopologyBinder) EnsureFanoutTopology(ch Channel, target string) (Route, error) {
	if target == "" {
		return Route{}, ErrEmptyName
	}
	topology := tb.naming.FanoutTopology(target)
	return topology.Route(), tb.declare(ch, topology)
}

// EnsureQueue declares a queue on its own
func (tb *TopologyBinder) EnsureQueue(ch Channel, queue string) error {
	if queue == "" {
		return ErrEmptyName
	}
	return tb.declareQueue(ch, QueueDeclaration{Name: queue})
}

// EnsureSubscriberFanoutBinding binds an existing queue to the fanout
// exchange named exchange, declaring the exchange if it is absent. The
// queue is not declared here.
func (tb *TopologyBinder) EnsureSubscriberFanoutBinding(ch Channel, queue, exchange string) error {
	if queue == "" || exchange == "" {
		return ErrEmptyName
	}
	if err := tb.declareExchange(ch, ExchangeDeclaration{Name: exchange, Kind: ExchangeFanout}); err != nil {
		return err
	}
	return tb.bindQueue(ch, Binding{Queue: queue, Exchange: exchange})
}

func (tb *TopologyBinder) declare(ch Channel, topology Topology) error {
	if err := tb.declareExchange(ch, topology.Exchange); err != nil {
		return err
	}
	if err := tb.declareQueue(ch, topology.Queue); err != nil {
		return err
	}
	return tb.bindQueue(ch, topology.Binding)
}

func (tb *TopologyBinder) declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	if err := ch.ExchangeDeclare(exchange.Name, exchange.Kind, exchange.Durable, exchange.AutoDelete); err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      exchange.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

func (tb *TopologyBinder) declareQueue(ch Channel, queue QueueDeclaration) error {
	if err := ch.QueueDeclare(queue.Name, queue.Durable); err != nil {
		return &TopologyError{
			Component: "queue",
			Name:      queue.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

func (tb *TopologyBinder) bindQueue(ch Channel, binding Binding) error {
	if err := ch.QueueBind(binding.Queue, binding.Exchange, binding.RoutingKey); err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      binding.Queue + "->" + binding.Exchange,
			Op:        "bind",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}
