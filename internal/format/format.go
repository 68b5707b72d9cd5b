//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package format renders HIC's numeric ids into the short hex strings used
// in log lines, the same truncation idiom the pack's container-id
// formatter applies to full container ids.
package format

import (
	"fmt"

	"github.com/docker/docker/pkg/stringid"

	"github.com/hicore/hic/domain"
)

// DomainID renders a domain id as a short, log-friendly token.
type DomainID struct {
	ID domain.DomainID
}

func (d DomainID) String() string {
	return "domain-" + stringid.TruncateID(fmt.Sprintf("%012x", uint32(d.ID)))
}

// CapID renders a capability id as a short, log-friendly token.
type CapID struct {
	ID domain.CapID
}

func (c CapID) String() string {
	return "cap-" + stringid.TruncateID(fmt.Sprintf("%012x", uint32(c.ID)))
}

// ThreadID renders a thread id as a short, log-friendly token.
type ThreadID struct {
	ID domain.ThreadID
}

func (t ThreadID) String() string {
	return "thread-" + stringid.TruncateID(fmt.Sprintf("%012x", uint32(t.ID)))
}
