/*
 * Copyright 2019 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package utils

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/CovenantSQL/briefcase/utils/log"
)

// ExitContext returns a context cancelled on SIGINT or SIGTERM. SIGHUP, SIGTTIN and SIGTTOU
// are ignored so a server keeps running when its terminal goes away. The returned stop
// function releases the signal handlers.
func ExitContext(parent context.Context) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(parent)
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	signal.Ignore(syscall.SIGHUP, syscall.SIGTTIN, syscall.SIGTTOU)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig.String()).Info("exit signal received")
			cancel()
		case <-done:
		}
	}()
	stop = func() {
		signal.Stop(signalCh)
		close(done)
		cancel()
	}
	return
}
