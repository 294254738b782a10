// Package job defines the persisted record of an asynchronous generation
// request and the state machine its status moves along.
//
// Quick start:
//  1. Open a store (store.NewSQLStore or store.NewRedisStore) and migrate it.
//  2. Create a queue.Client and a manager.Manager on top of the store.
//  3. Submit work with Manager.Create and poll it with Manager.Get.
//  4. Run a queue.Processor with a worker.Handler to execute deliveries.
//  5. Schedule the reconcile task so stuck jobs are picked up again.
package job
