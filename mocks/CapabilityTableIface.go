// Hand-written mock in the layout mockery v1.0.0 produces.

package mocks

import (
	domain "github.com/hicore/hic/domain"
	mock "github.com/stretchr/testify/mock"
)

// CapabilityTableIface is a mock type for the CapabilityTableIface type
type CapabilityTableIface struct {
	mock.Mock
}

// Setup provides a mock function with given fields: audit, checker, domains
func (_m *CapabilityTableIface) Setup(audit domain.AuditLogIface, checker domain.InvariantCheckerIface, domains domain.DomainRegistryIface) error {
	ret := _m.Called(audit, checker, domains)

	var r0 error
	if rf, ok := ret.Get(0).(func(domain.AuditLogIface, domain.InvariantCheckerIface, domain.DomainRegistryIface) error); ok {
		r0 = rf(audit, checker, domains)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// Create provides a mock function with given fields: owner, typ, rights, payload, granter
func (_m *CapabilityTableIface) Create(owner domain.DomainID, typ domain.CapType, rights domain.Rights, payload domain.CapPayload, granter domain.CapID) (domain.CapID, error) {
	ret := _m.Called(owner, typ, rights, payload, granter)

	var r0 domain.CapID
	if rf, ok := ret.Get(0).(func(domain.DomainID, domain.CapType, domain.Rights, domain.CapPayload, domain.CapID) domain.CapID); ok {
		r0 = rf(owner, typ, rights, payload, granter)
	} else {
		r0 = ret.Get(0).(domain.CapID)
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(domain.DomainID, domain.CapType, domain.Rights, domain.CapPayload, domain.CapID) error); ok {
		r1 = rf(owner, typ, rights, payload, granter)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// Lookup provides a mock function with given fields: id
func (_m *CapabilityTableIface) Lookup(id domain.CapID) (domain.CapEntry, bool) {
	ret := _m.Called(id)

	var r0 domain.CapEntry
	if rf, ok := ret.Get(0).(func(domain.CapID) domain.CapEntry); ok {
		r0 = rf(id)
	} else {
		r0 = ret.Get(0).(domain.CapEntry)
	}

	var r1 bool
	if rf, ok := ret.Get(1).(func(domain.CapID) bool); ok {
		r1 = rf(id)
	} else {
		r1 = ret.Get(1).(bool)
	}

	return r0, r1
}

// Check provides a mock function with given fields: id, owner, required
func (_m *CapabilityTableIface) Check(id domain.CapID, owner domain.DomainID, required domain.Rights) error {
	ret := _m.Called(id, owner, required)

	var r0 error
	if rf, ok := ret.Get(0).(func(domain.CapID, domain.DomainID, domain.Rights) error); ok {
		r0 = rf(id, owner, required)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// Transfer provides a mock function with given fields: id, from, to
func (_m *CapabilityTableIface) Transfer(id domain.CapID, from domain.DomainID, to domain.DomainID) error {
	ret := _m.Called(id, from, to)

	var r0 error
	if rf, ok := ret.Get(0).(func(domain.CapID, domain.DomainID, domain.DomainID) error); ok {
		r0 = rf(id, from, to)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// Derive provides a mock function with given fields: parent, owner, subRights
func (_m *CapabilityTableIface) Derive(parent domain.CapID, owner domain.DomainID, subRights domain.Rights) (domain.CapID, error) {
	ret := _m.Called(parent, owner, subRights)

	var r0 domain.CapID
	if rf, ok := ret.Get(0).(func(domain.CapID, domain.DomainID, domain.Rights) domain.CapID); ok {
		r0 = rf(parent, owner, subRights)
	} else {
		r0 = ret.Get(0).(domain.CapID)
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(domain.CapID, domain.DomainID, domain.Rights) error); ok {
		r1 = rf(parent, owner, subRights)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// Revoke provides a mock function with given fields: id
func (_m *CapabilityTableIface) Revoke(id domain.CapID) error {
	ret := _m.Called(id)

	var r0 error
	if rf, ok := ret.Get(0).(func(domain.CapID) error); ok {
		r0 = rf(id)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// RevocationClosure provides a mock function with given fields: id
func (_m *CapabilityTableIface) RevocationClosure(id domain.CapID) []domain.CapID {
	ret := _m.Called(id)

	var r0 []domain.CapID
	if rf, ok := ret.Get(0).(func(domain.CapID) []domain.CapID); ok {
		r0 = rf(id)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).([]domain.CapID)
		}
	}

	return r0
}

// List provides a mock function with given fields: owner
func (_m *CapabilityTableIface) List(owner domain.DomainID) []domain.CapEntry {
	ret := _m.Called(owner)

	var r0 []domain.CapEntry
	if rf, ok := ret.Get(0).(func(domain.DomainID) []domain.CapEntry); ok {
		r0 = rf(owner)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).([]domain.CapEntry)
		}
	}

	return r0
}

// Count provides a mock function with given fields:
func (_m *CapabilityTableIface) Count() int {
	ret := _m.Called()

	var r0 int
	if rf, ok := ret.Get(0).(func() int); ok {
		r0 = rf()
	} else {
		r0 = ret.Get(0).(int)
	}

	return r0
}
