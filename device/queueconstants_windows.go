/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package device

const (
	queueStagedSize            = 1024
	queueOutboundSize          = 1024
	queueInboundSize           = 1024
	queueHandshakeSize         = 1024
	maxSegmentSize             = 2048 - 32 // largest UDP datagram handled on this platform
	preallocatedBuffersPerPool = 1024
)
