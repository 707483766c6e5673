/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package runnable

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/manager"
)

// Func converts the given function into a named runnable.
// The name is just being used for logging.
func Func(name string, fn func(ctx context.Context) error) manager.Runnable {
	return Named(name, manager.RunnableFunc(fn))
}

// Named wraps a runnable so that its start and termination are logged under name.
func Named(name string, r manager.Runnable) manager.Runnable {
	return manager.RunnableFunc(func(ctx context.Context) error {
		// Use "name" key as that is what manager.Server does as well.
		log := ctrl.Log.WithValues("name", name)
		log.Info("Runnable starting")
		if err := r.Start(ctx); err != nil {
			log.Error(err, "Runnable failed")
			return fmt.Errorf("%s failed - %w", name, err)
		}
		log.Info("Runnable terminated")
		return nil
	})
}

// RunAll starts every runnable and blocks until all of them returned. The first failure cancels the context handed
// to the others; its error is returned.
func RunAll(ctx context.Context, runnables ...manager.Runnable) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range runnables {
		if r == nil {
			continue
		}
		g.Go(func() error {
			return r.Start(ctx)
		})
	}
	return g.Wait()
}
