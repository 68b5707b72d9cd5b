// Hand-written mock in the layout mockery v1.0.0 produces.

package mocks

import (
	domain "github.com/hicore/hic/domain"
	mock "github.com/stretchr/testify/mock"
)

// AuditLogIface is a mock type for the AuditLogIface type
type AuditLogIface struct {
	mock.Mock
}

// Setup provides a mock function with given fields: capacity, hal
func (_m *AuditLogIface) Setup(capacity int, hal domain.HALIface) error {
	ret := _m.Called(capacity, hal)

	var r0 error
	if rf, ok := ret.Get(0).(func(int, domain.HALIface) error); ok {
		r0 = rf(capacity, hal)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// Append provides a mock function with given fields: entry
func (_m *AuditLogIface) Append(entry domain.AuditEntry) error {
	ret := _m.Called(entry)

	var r0 error
	if rf, ok := ret.Get(0).(func(domain.AuditEntry) error); ok {
		r0 = rf(entry)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// Snapshot provides a mock function with given fields:
func (_m *AuditLogIface) Snapshot() []domain.AuditEntry {
	ret := _m.Called()

	var r0 []domain.AuditEntry
	if rf, ok := ret.Get(0).(func() []domain.AuditEntry); ok {
		r0 = rf()
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).([]domain.AuditEntry)
		}
	}

	return r0
}

// Len provides a mock function with given fields:
func (_m *AuditLogIface) Len() int {
	ret := _m.Called()

	var r0 int
	if rf, ok := ret.Get(0).(func() int); ok {
		r0 = rf()
	} else {
		r0 = ret.Get(0).(int)
	}

	return r0
}

// Capacity provides a mock function with given fields:
func (_m *AuditLogIface) Capacity() int {
	ret := _m.Called()

	var r0 int
	if rf, ok := ret.Get(0).(func() int); ok {
		r0 = rf()
	} else {
		r0 = ret.Get(0).(int)
	}

	return r0
}

// Sequence provides a mock function with given fields:
func (_m *AuditLogIface) Sequence() uint64 {
	ret := _m.Called()

	var r0 uint64
	if rf, ok := ret.Get(0).(func() uint64); ok {
		r0 = rf()
	} else {
		r0 = ret.Get(0).(uint64)
	}

	return r0
}
