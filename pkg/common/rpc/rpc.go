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

package rpc

import (
	"fmt"
	"net"
	nethttp "net/http"

	log "github.com/sirupsen/logrus"
	"go.uber.org/yarpc/api/transport"
	"go.uber.org/yarpc/transport/grpc"
	"go.uber.org/yarpc/transport/http"

	"github.com/kestrelcloud/kestrel/pkg/common"
)

// NewInbounds creates HTTP and gRPC inbounds for the given ports. The
// HTTP inbound shares the given mux so debug endpoints live next to
// the RPC endpoint. A zero grpcPort disables the gRPC inbound.
func NewInbounds(
	httpPort int,
	grpcPort int,
	mux *nethttp.ServeMux) []transport.Inbound {

	ht := http.NewTransport()
	inbounds := []transport.Inbound{
		ht.NewInbound(
			fmt.Sprintf(":%d", httpPort),
			http.Mux(common.KestrelEndpointPath, mux),
		),
	}

	if grpcPort != 0 {
		gl, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
		if err != nil {
			log.WithError(err).Fatal("failed to listen to gRPC port")
		}
		gt := grpc.NewTransport()
		inbounds = append(inbounds, gt.NewInbound(gl))
	}

	return inbounds
}
