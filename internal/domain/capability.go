package domain

import "strings"

// Role — роль вызывающего, от которой зависят разрешённые переходы.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Capability — кто вызывает операцию. Аутентификация происходит снаружи,
// сюда приходит уже проверенная пара (callerID, role).
type Capability struct {
	CallerID string
	Role     Role
}

// SystemCapability используется вебхуками, воркерами и оркестратором оплаты.
func SystemCapability(component string) Capability {
	return Capability{CallerID: "system:" + component, Role: RoleSystem}
}

// ParseRole приводит строку к известной роли.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleBuyer:
		return RoleBuyer, true
	case RoleAdmin:
		return RoleAdmin, true
	case RoleSystem:
		return RoleSystem, true
	default:
		return "", false
	}
}

// Elevated — администратор или системный контекст (проверенный вебхук, воркер).
func (c Capability) Elevated() bool {
	return c.Role == RoleAdmin || c.Role == RoleSystem
}

func (c Capability) authenticated() bool {
	if strings.TrimSpace(c.CallerID) == "" {
		return false
	}
	_, ok := ParseRole(string(c.Role))
	return ok
}

// AuthorizeTransition проверяет право вызывающего перевести продажу в target.
// Покупатель может только отменить собственную продажу из PENDING.
func AuthorizeTransition(c Capability, sale Sale, target SaleStatus) error {
	if !c.authenticated() {
		return ErrUnauthorized
	}
	if c.Elevated() {
		return nil
	}
	if target == SaleStatusCancelled && sale.Status == SaleStatusPending && sale.BuyerID == c.CallerID {
		return nil
	}
	return ErrForbidden
}

// AuthorizeRead проверяет право видеть продажу.
func AuthorizeRead(c Capability, sale Sale) error {
	if !c.authenticated() {
		return ErrUnauthorized
	}
	if c.Elevated() || sale.BuyerID == c.CallerID {
		return nil
	}
	return ErrForbidden
}

// AuthorizeActingFor проверяет, что вызывающий действует от имени buyerID.
func AuthorizeActingFor(c Capability, buyerID string) error {
	if !c.authenticated() {
		return ErrUnauthorized
	}
	if c.Elevated() || c.CallerID == buyerID {
		return nil
	}
	return ErrForbidden
}
