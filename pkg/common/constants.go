// Copyright (c) 2024 Kestrel Cloud, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

const (
	// KestrelService is the service name used for the binary, the YARPC
	// dispatcher and the root metric scope.
	KestrelService = "kestrel"

	// KestrelRole is the role used for leader election.
	KestrelRole = "kestrel"

	// KestrelEndpointPath is the path prefix under which YARPC procedures
	// are muxed on the HTTP inbound.
	KestrelEndpointPath = "/kestrel"

	// AppLogField is the log field key holding the application name.
	AppLogField = "app"

	// CPU resource kind
	CPU = "cpu"
	// GPU resource kind
	GPU = "gpu"
	// MEMORY resource kind
	MEMORY = "memory"
	// DISK resource kind
	DISK = "disk"
)
