/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package replay

import "testing"

/* Ported from the linux kernel implementation
 *
 */

const rejectAfterMessages = 1<<60 - (1 << 13) - 1

func TestReplay(t *testing.T) {
	var filter Filter

	testNumber := 0
	expect := func(v, expected bool) {
		testNumber++
		if v != expected {
			t.Fatal("Test", testNumber, "failed", v, expected)
		}
	}

	filter.Reset()

	expect(filter.ValidateCounter(0, rejectAfterMessages), true)  /*  1 */
	expect(filter.ValidateCounter(1, rejectAfterMessages), true)  /*  2 */
	expect(filter.ValidateCounter(1, rejectAfterMessages), false) /*  3 */
	expect(filter.ValidateCounter(9, rejectAfterMessages), true)  /*  4 */
	expect(filter.ValidateCounter(8, rejectAfterMessages), true)  /*  5 */
	expect(filter.ValidateCounter(7, rejectAfterMessages), true)  /*  6 */
	expect(filter.ValidateCounter(7, rejectAfterMessages), false) /*  7 */
	expect(filter.ValidateCounter(windowSize+1, rejectAfterMessages), true)   /*  8 */
	expect(filter.ValidateCounter(windowSize+1-1, rejectAfterMessages), true) /*  9 */
	expect(filter.ValidateCounter(windowSize+1-1, rejectAfterMessages), false)          /* 10 */
	expect(filter.ValidateCounter(windowSize+2, rejectAfterMessages), true)             /* 11 */
	expect(filter.ValidateCounter(2, rejectAfterMessages), true)                        /* 12 */
	expect(filter.ValidateCounter(2, rejectAfterMessages), false)                       /* 13 */
	expect(filter.ValidateCounter(windowSize+windowSize+1, rejectAfterMessages), true)  /* 14 */
	expect(filter.ValidateCounter(windowSize+windowSize+1-windowSize, rejectAfterMessages), false)   /* 15 */
	expect(filter.ValidateCounter(windowSize+windowSize+1-windowSize-1, rejectAfterMessages), false) /* 16 */

	filter.Reset()

	expect(filter.ValidateCounter(windowSize, rejectAfterMessages), true) /* 17 */
	expect(filter.ValidateCounter(0, rejectAfterMessages), true)          /* 18 */
	expect(filter.ValidateCounter(1, rejectAfterMessages), true)          /* 19 */

	filter.Reset()

	// a counter at the limit is never accepted
	expect(filter.ValidateCounter(rejectAfterMessages, rejectAfterMessages), false)   /* 20 */
	expect(filter.ValidateCounter(rejectAfterMessages-1, rejectAfterMessages), true)  /* 21 */
	expect(filter.ValidateCounter(rejectAfterMessages-1, rejectAfterMessages), false) /* 22 */

	t.Log("Bulk test 1")
	filter.Reset()
	testNumber = 0
	for i := uint64(1); i <= windowSize; i++ {
		expect(filter.ValidateCounter(i, rejectAfterMessages), true)
	}
	expect(filter.ValidateCounter(0, rejectAfterMessages), true)
	expect(filter.ValidateCounter(0, rejectAfterMessages), false)

	t.Log("Bulk test 2")
	filter.Reset()
	testNumber = 0
	for i := uint64(2); i <= windowSize+1; i++ {
		expect(filter.ValidateCounter(i, rejectAfterMessages), true)
	}
	expect(filter.ValidateCounter(1, rejectAfterMessages), true)
	expect(filter.ValidateCounter(0, rejectAfterMessages), false)

	t.Log("Bulk test 3")
	filter.Reset()
	testNumber = 0
	for i := uint64(windowSize + 1); i > 0; i-- {
		expect(filter.ValidateCounter(i, rejectAfterMessages), true)
	}

	t.Log("Bulk test 4")
	filter.Reset()
	testNumber = 0
	for i := uint64(windowSize + 2); i > 1; i-- {
		expect(filter.ValidateCounter(i, rejectAfterMessages), true)
	}
	expect(filter.ValidateCounter(0, rejectAfterMessages), false)

	t.Log("Bulk test 5")
	filter.Reset()
	testNumber = 0
	for i := uint64(windowSize); i > 0; i-- {
		expect(filter.ValidateCounter(i, rejectAfterMessages), true)
	}
	expect(filter.ValidateCounter(windowSize+1, rejectAfterMessages), true)
	expect(filter.ValidateCounter(0, rejectAfterMessages), false)

	t.Log("Bulk test 6")
	filter.Reset()
	testNumber = 0
	for i := uint64(windowSize); i > 0; i-- {
		expect(filter.ValidateCounter(i, rejectAfterMessages), true)
	}
	expect(filter.ValidateCounter(0, rejectAfterMessages), true)
	expect(filter.ValidateCounter(windowSize+1, rejectAfterMessages), true)
}
