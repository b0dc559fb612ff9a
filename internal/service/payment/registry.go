package payment

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

// Registry хранит адаптеры провайдеров по их идентификатору.
type Registry struct {
	gateways        map[string]domain.PaymentGateway
	defaultProvider string
}

// NewRegistry создаёт реестр. Первый переданный адаптер становится провайдером по умолчанию,
// если defaultProvider пустой.
func NewRegistry(defaultProvider string, gateways ...domain.PaymentGateway) *Registry {
	r := &Registry{gateways: make(map[string]domain.PaymentGateway, len(gateways))}
	for _, gw := range gateways {
		r.gateways[normalize(gw.Provider())] = gw
		if defaultProvider == "" {
			defaultProvider = gw.Provider()
		}
	}
	r.defaultProvider = normalize(defaultProvider)
	return r
}

// Get возвращает адаптер; пустое имя означает провайдера по умолчанию.
func (r *Registry) Get(provider string) (domain.PaymentGateway, error) {
	name := normalize(provider)
	if name == "" {
		name = r.defaultProvider
	}
	gw, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrPaymentProviderUnknown, provider)
	}
	return gw, nil
}

// Providers возвращает отсортированный список зарегистрированных провайдеров.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
