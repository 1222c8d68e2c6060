// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/edgeo-scada/uabridge"
)

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"localhost", "gw.local"}, splitList(" localhost, ,gw.local "))
	assert.Nil(t, splitList(""))
}

func TestShortPolicy(t *testing.T) {
	assert.Equal(t, "None", shortPolicy(string(uabridge.SecurityPolicyNone)))
	assert.Equal(t, "Basic256Sha256", shortPolicy(string(uabridge.SecurityPolicyBasic256Sha256)))
	assert.Equal(t, "custom", shortPolicy("custom"))
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "<null>", formatValue(uabridge.Value{}))
	assert.Equal(t, `"on"`, formatValue(uabridge.StringValue("on")))
	assert.Equal(t, "true", formatValue(uabridge.BoolValue(true)))
}
